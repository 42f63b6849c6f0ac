package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/metrics"
)

// Monitor runs a checker on an interval and publishes the outcome as a
// component in the metrics health registry
type Monitor struct {
	name    string
	checker Checker
	config  Config
	logger  zerolog.Logger

	mu     sync.RWMutex
	status *Status

	started atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMonitor creates a monitor reporting under the component name
func NewMonitor(name string, checker Checker, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Monitor{
		name:    name,
		checker: checker,
		config:  config,
		logger:  log.WithComponent("health"),
		status:  NewStatus(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the first check immediately and then every Interval
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.RunOnce()
		for {
			select {
			case <-ticker.C:
				m.RunOnce()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.done
	}
}

// RunOnce performs a single check and records it
func (m *Monitor) RunOnce() Result {
	ctx := context.Background()
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	result := m.checker.Check(ctx)

	m.mu.Lock()
	wasHealthy := m.status.Healthy
	m.status.Update(result, m.config)
	healthy := m.status.Healthy
	m.mu.Unlock()

	if wasHealthy != healthy {
		m.logger.Warn().
			Str("component", m.name).
			Bool("healthy", healthy).
			Str("message", result.Message).
			Msg("Health changed")
	}
	metrics.UpdateComponent(m.name, healthy, result.Message)
	return result
}

// Status returns a copy of the current status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.status
}
