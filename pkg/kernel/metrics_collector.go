package kernel

import (
	"time"

	"github.com/cuemby/minoots/pkg/metrics"
)

// MetricsCollector periodically samples the kernel's durable state and
// wheel depth into the process-wide Prometheus registry. Per-operation
// counters are incremented inline as the operations happen (scheduled and
// cancelled by the admission gate, fired and failed by the kernel); this
// collector only handles the gauges that need a point-in-time scan.
type MetricsCollector struct {
	kernel *Kernel
	stopCh chan struct{}
}

// NewMetricsCollector creates a collector over kernel.
func NewMetricsCollector(k *Kernel) *MetricsCollector {
	return &MetricsCollector{kernel: k, stopCh: make(chan struct{})}
}

// Start begins the collection loop.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop halts the collection loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectTimerMetrics()
	c.collectRaftMetrics()
	metrics.WheelDepth.Set(float64(c.kernel.wheel.Len()))
}

func (c *MetricsCollector) collectTimerMetrics() {
	timers, err := c.kernel.store.ListTimers()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, timer := range timers {
		counts[string(timer.Status)]++
	}
	for status, count := range counts {
		metrics.TimersTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.kernel.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.kernel.RaftStats()
	if stats == nil {
		return
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		metrics.RaftPeers.Set(float64(peers))
	}
}
