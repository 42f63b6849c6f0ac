package metrics

import (
	"time"
)

// PoolSnapshot is a point-in-time view of pool occupancy
type PoolSnapshot struct {
	ByState    map[string]int
	QueueDepth int
}

// Source provides pool snapshots to the collector
type Source interface {
	Snapshot() PoolSnapshot
}

// Collector periodically samples a Source into the pool gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one sample
func (c *Collector) Collect() {
	snap := c.source.Snapshot()

	PoolInstances.Reset()
	for state, n := range snap.ByState {
		PoolInstances.WithLabelValues(state).Set(float64(n))
	}
	PoolQueueDepth.Set(float64(snap.QueueDepth))
}
