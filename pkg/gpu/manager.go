package gpu

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/metrics"
)

// ErrGPUUnavailable is returned when a lease could not be obtained in time
var ErrGPUUnavailable = errors.New("gpu unavailable")

// HealthComponent is the name the manager reports device health under
const HealthComponent = "gpu"

// Manager serialises access to the single device context. Waiters are
// served strictly in arrival order.
type Manager struct {
	device Device
	logger zerolog.Logger

	mu      sync.Mutex
	holder  *Lease
	waiters *list.List // of *waiter
	seq     uint64
}

type waiter struct {
	owner string
	ch    chan *Lease
	elem  *list.Element
}

// Lease is the exclusive right to use the device context. Release must be
// called on every exit path; it is safe to call more than once.
type Lease struct {
	m        *Manager
	id       uint64
	owner    string
	acquired time.Time

	faulted  atomic.Bool
	released atomic.Bool
}

// NewManager creates a manager for device
func NewManager(device Device) *Manager {
	if device == nil {
		device = NewHostDevice("host")
	}
	metrics.UpdateComponent(HealthComponent, true, "device "+device.Name())
	return &Manager{
		device:  device,
		logger:  log.WithComponent("gpu"),
		waiters: list.New(),
	}
}

// Device returns the managed device
func (m *Manager) Device() Device {
	return m.device
}

// AcquireLease blocks until the device is free, timeout elapses, or ctx is
// done. A timeout of zero or less waits only on ctx.
func (m *Manager) AcquireLease(ctx context.Context, owner string, timeout time.Duration) (*Lease, error) {
	timer := metrics.NewTimer()

	m.mu.Lock()
	if m.holder == nil && m.waiters.Len() == 0 {
		lease := m.grantLocked(owner)
		m.mu.Unlock()
		timer.ObserveDuration(metrics.GPULeaseWait)
		return lease, nil
	}

	w := &waiter{owner: owner, ch: make(chan *Lease, 1)}
	w.elem = m.waiters.PushBack(w)
	m.mu.Unlock()

	m.logger.Debug().
		Str("owner", owner).
		Int("queued", m.QueueLen()).
		Msg("Waiting for GPU lease")

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var cause error
	select {
	case lease := <-w.ch:
		timer.ObserveDuration(metrics.GPULeaseWait)
		return lease, nil
	case <-expired:
		cause = fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	m.mu.Lock()
	if w.elem != nil {
		m.waiters.Remove(w.elem)
		w.elem = nil
		m.mu.Unlock()

		metrics.GPULeaseTimeouts.Inc()
		m.logger.Warn().Str("owner", owner).Err(cause).Msg("GPU lease not acquired")
		return nil, fmt.Errorf("%w: %v", ErrGPUUnavailable, cause)
	}
	m.mu.Unlock()

	// Granted while giving up; the grant happened first.
	lease := <-w.ch
	timer.ObserveDuration(metrics.GPULeaseWait)
	return lease, nil
}

// Holder returns the owner of the active lease, or "" when free
func (m *Manager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == nil {
		return ""
	}
	return m.holder.owner
}

// QueueLen returns the number of waiting acquirers
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}

func (m *Manager) grantLocked(owner string) *Lease {
	m.seq++
	lease := &Lease{
		m:        m,
		id:       m.seq,
		owner:    owner,
		acquired: time.Now(),
	}
	m.holder = lease
	metrics.GPULeaseHeld.Set(1)
	return lease
}

func (m *Manager) release(l *Lease) {
	if l.faulted.Load() {
		m.resetDevice()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != l {
		return
	}

	m.logger.Debug().
		Str("owner", l.owner).
		Dur("held", time.Since(l.acquired)).
		Msg("GPU lease released")

	front := m.waiters.Front()
	if front == nil {
		m.holder = nil
		metrics.GPULeaseHeld.Set(0)
		return
	}

	w := m.waiters.Remove(front).(*waiter)
	w.elem = nil
	w.ch <- m.grantLocked(w.owner)
}

// resetDevice restores the context after a faulted holder. A failed reset
// marks the gpu component unhealthy until a later reset succeeds.
func (m *Manager) resetDevice() {
	if err := m.device.Reset(); err != nil {
		m.logger.Error().Err(err).Str("device", m.device.Name()).Msg("Failed to reset device context")
		metrics.UpdateComponent(HealthComponent, false, "device reset failed: "+err.Error())
		return
	}
	metrics.UpdateComponent(HealthComponent, true, "device "+m.device.Name())
}

// Owner returns the identity the lease was acquired for
func (l *Lease) Owner() string { return l.owner }

// Acquired returns when the lease was granted
func (l *Lease) Acquired() time.Time { return l.acquired }

// MarkFaulted requests a device reset when the lease is released
func (l *Lease) MarkFaulted() {
	l.faulted.Store(true)
}

// Release returns the device context to the manager
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.m.release(l)
}
