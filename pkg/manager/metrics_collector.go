package manager

import (
	"time"

	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/types"
)

var phases = []types.WorkerPhase{
	types.WorkerPhaseStopped,
	types.WorkerPhaseStarting,
	types.WorkerPhaseRunning,
	types.WorkerPhaseStopping,
}

// MetricsCollector publishes fleet gauges
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectWorkerMetrics()
	c.collectSessionMetrics()
}

func (c *MetricsCollector) collectWorkerMetrics() {
	counts := make(map[types.WorkerPhase]int, len(phases))
	enabled := 0
	for _, w := range c.manager.Workers() {
		counts[w.Phase()]++
		if w.Enabled() {
			enabled++
		}
	}

	for _, phase := range phases {
		metrics.WorkersTotal.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
	metrics.WorkersEnabled.Set(float64(enabled))
}

func (c *MetricsCollector) collectSessionMetrics() {
	metrics.SessionsActive.Set(float64(c.manager.SessionCount()))
}
