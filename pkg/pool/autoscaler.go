package pool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/wasm-watchdog/pkg/instance"
)

// Start creates the warm floor eagerly and starts the autoscaler loop.
// A creation failure during warm-up is returned; the loop keeps running
// and the caller decides whether to Close.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx))

	start := time.Now()
	if err := p.topUp(ctx); err != nil {
		return err
	}

	p.logger.Info().
		Int("min_scale", p.cfg.MinScale).
		Int("max_scale", p.cfg.MaxScale).
		Dur("took", time.Since(start)).
		Msg("Pool started")
	return nil
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap()
			p.scaleToFloor(ctx)
		case <-p.kickCh:
			p.scaleToFloor(ctx)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) scaleToFloor(ctx context.Context) {
	if err := p.topUp(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to restore warm floor")
	}
}

// topUp creates instances until live plus creating reaches the floor,
// warming them in parallel.
func (p *Pool) topUp(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	current := len(p.instances) + p.creating
	need := p.floor - current
	if room := p.cfg.MaxScale - current; need > room {
		need = room
	}
	if need <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.creating += need
	p.mu.Unlock()

	p.logger.Debug().Int("count", need).Msg("Scaling up to warm floor")

	g, gctx := errgroup.WithContext(ctx)
	for n := 0; n < need; n++ {
		g.Go(func() error {
			_, err := p.spawn(gctx, false)
			return err
		})
	}
	return g.Wait()
}

// reap destroys instances idle for longer than IdleGrace while the pool is
// above its floor. Only the front of the idle queue is examined, so busy
// instances are never touched.
func (p *Pool) reap() {
	if p.cfg.IdleGrace <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for front := p.idle.Front(); front != nil && len(p.instances) > p.floor; front = p.idle.Front() {
		inst := front.Value.(*instance.Instance)
		if now.Sub(inst.IdleSince()) < p.cfg.IdleGrace {
			return
		}
		p.idle.Remove(front)
		p.destroyLocked(inst, "idle")
	}
}
