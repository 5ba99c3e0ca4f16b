package kernel

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cuemby/minoots/pkg/types"
)

// JitterController perturbs a timer's nominal deadline within the bounds
// of its JitterPolicy, and tracks a per-tenant EWMA of observed firing
// drift so it can compensate future deadlines for systematic lateness
// (a loaded wheel goroutine, GC pauses, scheduler contention) without
// ever exceeding MaxCompensationMs.
type JitterController struct {
	mu    sync.Mutex
	drift map[string]float64 // tenantID -> EWMA drift in ms
	alpha float64
}

// NewJitterController creates a controller with the given EWMA smoothing
// factor (0 < alpha <= 1; higher weighs recent samples more heavily).
func NewJitterController(alpha float64) *JitterController {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &JitterController{
		drift: make(map[string]float64),
		alpha: alpha,
	}
}

// Apply returns the deadline to arm for timer, perturbed per its
// JitterPolicy and compensated for the tenant's recent observed drift.
func (j *JitterController) Apply(tenantID string, nominal time.Time, policy *types.JitterPolicy) time.Time {
	if policy == nil {
		return nominal
	}
	if policy.Kind == types.JitterNone {
		return nominal.Add(j.compensation(tenantID, policy.MaxCompensationMs))
	}

	var offsetMs int64
	switch policy.Kind {
	case types.JitterUniform:
		if policy.MaxOffsetMs > 0 {
			offsetMs = rand.Int64N(2*policy.MaxOffsetMs+1) - policy.MaxOffsetMs
		}
	case types.JitterBoundedGaussian:
		if policy.MaxOffsetMs > 0 {
			// Three-sigma bound: stddev = MaxOffsetMs/3, then hard-clamp
			// the rare tail sample back into range.
			stddev := float64(policy.MaxOffsetMs) / 3
			sample := rand.NormFloat64() * stddev
			if sample > float64(policy.MaxOffsetMs) {
				sample = float64(policy.MaxOffsetMs)
			} else if sample < -float64(policy.MaxOffsetMs) {
				sample = -float64(policy.MaxOffsetMs)
			}
			offsetMs = int64(sample)
		}
	}

	comp := j.compensation(tenantID, policy.MaxCompensationMs)
	return nominal.Add(time.Duration(offsetMs) * time.Millisecond).Add(comp)
}

// compensation returns the bounded EWMA drift correction for tenantID, as
// a duration to add to a deadline (a positive drift means timers have
// been firing late, so we arm slightly earlier next time).
func (j *JitterController) compensation(tenantID string, maxMs int64) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	drift := j.drift[tenantID]
	if maxMs <= 0 {
		return 0
	}
	if drift > float64(maxMs) {
		drift = float64(maxMs)
	} else if drift < -float64(maxMs) {
		drift = -float64(maxMs)
	}
	return -time.Duration(drift) * time.Millisecond
}

// Observe records a newly-measured firing drift (fired_at - fire_at, in
// milliseconds) for tenantID, updating its EWMA.
func (j *JitterController) Observe(tenantID string, driftMs int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, ok := j.drift[tenantID]
	if !ok {
		j.drift[tenantID] = float64(driftMs)
		return
	}
	j.drift[tenantID] = j.alpha*float64(driftMs) + (1-j.alpha)*prev
}
