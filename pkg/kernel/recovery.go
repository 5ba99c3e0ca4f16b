package kernel

import (
	"fmt"

	"github.com/cuemby/minoots/pkg/log"
	"github.com/cuemby/minoots/pkg/metrics"
	"github.com/cuemby/minoots/pkg/types"
)

// RebuildWheel reloads every non-terminal timer from the local store and
// arms it, used whenever this replica becomes leader: a freshly-elected
// leader's wheel starts empty, and the only source of truth for what was
// still pending is the FSM-applied state each replica already mirrors.
func (k *Kernel) RebuildWheel() error {
	active, err := k.store.ListActiveTimers()
	if err != nil {
		return fmt.Errorf("list active timers: %w", err)
	}

	armed := 0
	for _, timer := range active {
		if timer.Status == types.TimerCancelled || timer.Status == types.TimerFired || timer.Status == types.TimerFailed {
			continue
		}
		ref := types.TimerRef{TenantID: timer.TenantID, TimerID: timer.ID}
		deadline := k.jitter.Apply(timer.TenantID, timer.FireAt, timer.JitterPolicy)
		k.wheel.Arm(ref, deadline)
		armed++
	}

	metrics.WheelDepth.Set(float64(k.wheel.Len()))
	log.WithComponent("kernel").Info().Int("armed", armed).Msg("rebuilt wheel after leadership change")
	return nil
}
