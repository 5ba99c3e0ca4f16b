package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Wheel / timer lifecycle metrics
	TimersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minoots_timers_total",
			Help: "Total number of timers by status",
		},
		[]string{"status"},
	)

	TimersScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_timers_scheduled_total",
			Help: "Total number of timers scheduled, by tenant",
		},
		[]string{"tenant_id"},
	)

	TimersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_timers_fired_total",
			Help: "Total number of timers fired, by tenant",
		},
		[]string{"tenant_id"},
	)

	TimersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_timers_cancelled_total",
			Help: "Total number of timers cancelled, by tenant",
		},
		[]string{"tenant_id"},
	)

	TimersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_timers_failed_total",
			Help: "Total number of timers that settled as failed, by tenant",
		},
		[]string{"tenant_id"},
	)

	FiringJitterSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minoots_firing_jitter_seconds",
			Help:    "Observed |fired_at - fire_at| in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	WheelDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minoots_wheel_depth",
			Help: "Number of armed entries currently in the wheel",
		},
	)

	// Raft / consensus metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minoots_raft_is_leader",
			Help: "Whether this replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minoots_raft_peers_total",
			Help: "Total number of Raft peers in the replica set",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minoots_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minoots_raft_apply_duration_seconds",
			Help:    "Time taken for Kernel.submit to commit a command",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admission / policy gate metrics
	AdmissionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_admission_requests_total",
			Help: "Total admission gate decisions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_quota_rejections_total",
			Help: "Total requests rejected for quota reasons, by tenant and quota kind",
		},
		[]string{"tenant_id", "quota"},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_events_published_total",
			Help: "Total events published to the bus, by kind",
		},
		[]string{"kind"},
	)

	EventsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_events_dead_lettered_total",
			Help: "Total events moved to the DLQ, by consumer",
		},
		[]string{"consumer"},
	)

	EventsReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minoots_events_replayed_total",
			Help: "Total dead-lettered events republished to the primary stream by DLQReplay, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		TimersTotal,
		TimersScheduled,
		TimersFired,
		TimersCancelled,
		TimersFailed,
		FiringJitterSeconds,
		WheelDepth,
		RaftLeader,
		RaftPeers,
		RaftAppliedIndex,
		RaftApplyDuration,
		AdmissionRequestsTotal,
		QuotaRejectionsTotal,
		EventsPublishedTotal,
		EventsDeadLetteredTotal,
		EventsReplayedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
