package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/events"
	"github.com/cuemby/wasm-watchdog/pkg/instance"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/metrics"
	"github.com/cuemby/wasm-watchdog/pkg/types"
)

var (
	// ErrBusy is returned when no instance frees up before the deadline
	ErrBusy = errors.New("no instance available")

	// ErrPoolClosed is returned once the pool is shutting down
	ErrPoolClosed = errors.New("pool closed")

	// ErrInvalidReplicas is returned for a replica count outside the scale bounds
	ErrInvalidReplicas = errors.New("invalid replica count")
)

// CreationError reports that a new instance could not be created. The
// failed instance never counted toward the pool size.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("failed to create instance: %v", e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Config holds pool configuration
type Config struct {
	// Instance is the template every instance is created from
	Instance instance.Config

	MinScale int
	MaxScale int

	// IdleGrace is how long an instance above the floor may stay idle
	IdleGrace time.Duration

	// ScanInterval is the autoscaler tick
	ScanInterval time.Duration

	// Events receives lifecycle events when set
	Events *events.Broker
}

// Stats summarises pool scale for the scale API
type Stats struct {
	Replicas    int
	Available   int
	Invocations uint64
}

// Pool owns every instance of one function. All pool state is guarded by
// mu; instances are handed out exclusively in the Busy state.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance.Instance
	idle      *list.List // *instance.Instance, oldest first
	waiters   *list.List // *waiter, admission order
	creating  int
	floor     int
	started   bool
	closed    bool

	invocations atomic.Uint64

	kickCh   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
}

// grant is what a waiter receives: an instance, permission to create one,
// or an error.
type grant struct {
	inst   *instance.Instance
	create bool
	err    error
}

type waiter struct {
	ch   chan grant
	elem *list.Element
}

// New creates a pool. No instances exist until Start.
func New(cfg Config) (*Pool, error) {
	if cfg.MinScale < 1 || cfg.MaxScale < 1 || cfg.MinScale > cfg.MaxScale {
		return nil, fmt.Errorf("invalid scale bounds: min=%d max=%d", cfg.MinScale, cfg.MaxScale)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}

	return &Pool{
		cfg:       cfg,
		logger:    log.WithComponent("pool").With().Str("function", cfg.Instance.Function).Logger(),
		instances: make(map[string]*instance.Instance),
		idle:      list.New(),
		waiters:   list.New(),
		floor:     cfg.MinScale,
		kickCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// Acquire returns an instance in the Busy state. The oldest idle instance
// is preferred; below max_scale a new one is created; at capacity the
// caller queues until an instance frees or ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*instance.Instance, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PoolAcquireWait)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if inst := p.popIdleLocked(); inst != nil {
		p.mu.Unlock()
		return inst, nil
	}

	if p.hasCapacityLocked() {
		p.creating++
		p.mu.Unlock()
		return p.spawn(ctx, true)
	}

	w := &waiter{ch: make(chan grant, 1)}
	w.elem = p.waiters.PushBack(w)
	metrics.PoolQueueDepth.Set(float64(p.waiters.Len()))
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		return p.accept(ctx, g)
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		metrics.PoolQueueDepth.Set(float64(p.waiters.Len()))
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.mu.Unlock()

	// A grant raced the deadline; honour it.
	return p.accept(ctx, <-w.ch)
}

func (p *Pool) accept(ctx context.Context, g grant) (*instance.Instance, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.create:
		return p.spawn(ctx, true)
	default:
		return g.inst, nil
	}
}

// Release returns an instance taken with Acquire. A faulted instance is
// destroyed and its slot offered to the oldest waiter.
func (p *Pool) Release(inst *instance.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.instances[inst.ID]; !ok {
		return
	}

	switch {
	case inst.State() == types.InstanceStateFaulted:
		p.destroyLocked(inst, "faulted")
		p.dispatchLocked()
		p.kick()
	case p.closed:
		p.destroyLocked(inst, "closed")
	default:
		if err := inst.MarkIdle(); err != nil {
			p.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Released instance in unexpected state")
			p.destroyLocked(inst, "invalid")
			p.dispatchLocked()
			return
		}
		p.offerLocked(inst)
	}
}

// RecordInvocation counts one completed invocation
func (p *Pool) RecordInvocation() {
	p.invocations.Add(1)
}

// spawn creates and warms one instance. The caller has reserved a slot in
// p.creating. Creation is not cancelled by ctx.
func (p *Pool) spawn(ctx context.Context, busy bool) (*instance.Instance, error) {
	inst := instance.New(p.cfg.Instance)
	timer := metrics.NewTimer()
	err := inst.Start(context.WithoutCancel(ctx))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--

	if err != nil {
		metrics.InstanceCreationFailures.Inc()
		p.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to create instance")
		p.publish(events.EventInstanceFailed, inst, err.Error())
		p.dispatchLocked()
		return nil, &CreationError{Err: err}
	}

	if p.closed {
		inst.Terminate()
		return nil, ErrPoolClosed
	}

	p.instances[inst.ID] = inst
	timer.ObserveDuration(metrics.InstanceColdStart)
	metrics.InstancesCreated.Inc()
	p.logger.Info().
		Str("instance_id", inst.ID).
		Dur("took", timer.Duration()).
		Int("size", len(p.instances)).
		Msg("Instance created")
	p.publish(events.EventInstanceCreated, inst, "")

	if busy {
		if err := inst.MarkBusy(); err != nil {
			p.offerLocked(inst)
			return nil, &CreationError{Err: err}
		}
		return inst, nil
	}
	p.offerLocked(inst)
	return inst, nil
}

// offerLocked hands an idle instance to the oldest waiter, or queues it
func (p *Pool) offerLocked(inst *instance.Instance) {
	if p.waiters.Len() > 0 && inst.MarkBusy() == nil {
		p.popWaiterLocked().ch <- grant{inst: inst}
		return
	}
	p.idle.PushBack(inst)
}

// dispatchLocked serves waiters from idle instances and free capacity
func (p *Pool) dispatchLocked() {
	for p.waiters.Len() > 0 {
		if inst := p.popIdleLocked(); inst != nil {
			p.popWaiterLocked().ch <- grant{inst: inst}
			continue
		}
		if p.hasCapacityLocked() {
			p.creating++
			p.popWaiterLocked().ch <- grant{create: true}
			continue
		}
		return
	}
}

func (p *Pool) popIdleLocked() *instance.Instance {
	for front := p.idle.Front(); front != nil; front = p.idle.Front() {
		inst := p.idle.Remove(front).(*instance.Instance)
		if err := inst.MarkBusy(); err == nil {
			return inst
		}
	}
	return nil
}

func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w := p.waiters.Remove(front).(*waiter)
	w.elem = nil
	metrics.PoolQueueDepth.Set(float64(p.waiters.Len()))
	return w
}

func (p *Pool) hasCapacityLocked() bool {
	return len(p.instances)+p.creating < p.cfg.MaxScale
}

func (p *Pool) destroyLocked(inst *instance.Instance, reason string) {
	delete(p.instances, inst.ID)
	inst.Terminate()
	metrics.InstancesDestroyed.WithLabelValues(reason).Inc()

	p.logger.Info().
		Str("instance_id", inst.ID).
		Str("reason", reason).
		Uint64("invocations", inst.Invocations()).
		Msg("Instance destroyed")

	evType := events.EventInstanceTerminated
	if reason == "faulted" {
		evType = events.EventInstanceFaulted
	}
	p.publish(evType, inst, reason)
}

func (p *Pool) publish(t events.EventType, inst *instance.Instance, msg string) {
	if p.cfg.Events == nil {
		return
	}
	p.cfg.Events.Publish(events.InstanceEvent(t, inst.Record(), msg))
}

// Close stops the autoscaler, fails every waiter and terminates idle
// instances. Busy instances are terminated when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	for w := p.popWaiterLocked(); w != nil; w = p.popWaiterLocked() {
		w.ch <- grant{err: ErrPoolClosed}
	}
	for front := p.idle.Front(); front != nil; front = p.idle.Front() {
		inst := p.idle.Remove(front).(*instance.Instance)
		p.destroyLocked(inst, "closed")
	}
	started := p.started
	p.mu.Unlock()

	if started {
		<-p.loopDone
	}
	p.logger.Info().Msg("Pool closed")
}

// Status returns the scale summary
func (p *Pool) Status() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	replicas := len(p.instances)
	return Stats{
		Replicas:    replicas,
		Available:   p.cfg.MaxScale - replicas,
		Invocations: p.invocations.Load(),
	}
}

// SetReplicas sets the warm instance floor. The autoscaler creates the
// missing instances in the background.
func (p *Pool) SetReplicas(n int) error {
	if n < p.cfg.MinScale {
		return fmt.Errorf("%w: replicas can not be less than %d", ErrInvalidReplicas, p.cfg.MinScale)
	}
	if n > p.cfg.MaxScale {
		return fmt.Errorf("%w: replicas can not be greater than %d", ErrInvalidReplicas, p.cfg.MaxScale)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.floor = n
	p.mu.Unlock()

	p.logger.Info().Int("replicas", n).Msg("Replica floor updated")
	if p.cfg.Events != nil {
		p.cfg.Events.Publish(&events.Event{
			Type:     events.EventPoolScaled,
			Message:  fmt.Sprintf("replicas=%d", n),
			Metadata: map[string]string{"function": p.cfg.Instance.Function},
		})
	}
	p.kick()
	return nil
}

// Snapshot implements metrics.Source
func (p *Pool) Snapshot() metrics.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	byState := map[string]int{
		string(types.InstanceStateWarming): p.creating,
	}
	for _, inst := range p.instances {
		byState[string(inst.State())]++
	}
	return metrics.PoolSnapshot{
		ByState:    byState,
		QueueDepth: p.waiters.Len(),
	}
}

// Instances returns persistence records for every live instance
func (p *Pool) Instances() []*types.InstanceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	records := make([]*types.InstanceRecord, 0, len(p.instances))
	for _, inst := range p.instances {
		records = append(records, inst.Record())
	}
	return records
}

func (p *Pool) kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}
