package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/minoots/pkg/log"
	"github.com/cuemby/minoots/pkg/metrics"
	"github.com/cuemby/minoots/pkg/types"
)

// API is the kernel's external surface: the single entry point the
// admission gate (and, transitively, any ingress framing built on top of
// it — explicitly out of scope here) calls into. It never touches
// network transport; callers are in-process.
type API interface {
	Schedule(timer *types.Timer) (*types.Timer, error)
	Cancel(tenantID, timerID, reason, by string) (*types.Timer, error)
	Get(tenantID, timerID string) (*types.Timer, error)
	GetByClientID(tenantID, clientTimerID string) (*types.Timer, error)
	List(tenantID string) ([]*types.Timer, error)
	Settle(tenantID, timerID string, failed bool, failureReason string) (*types.Timer, error)

	// StreamEvents subscribes to the in-process event stream. The live
	// channel carries every tenant's events; it is not filtered by
	// tenantID. When sinceStateVersion is non-zero and a durable bus is
	// configured (SetDurableBus), replayed carries tenantID's missed
	// envelopes with a greater state_version still inside the bus's
	// retention window, oldest first, so a reconnecting client can catch
	// up before reading live from the returned channel.
	StreamEvents(tenantID string, sinceStateVersion uint64) (live Subscriber, replayed []*types.EventEnvelope, cancel func())
}

// Subscriber re-exports the event broker's subscription channel type so
// kernel callers don't need to import pkg/events directly.
type Subscriber = chan *types.EventEnvelope

var _ API = (*Kernel)(nil)

// Schedule admits a new timer. The caller (admission gate) is responsible
// for resolving the tenant, checking quotas, normalizing the duration
// into FireAt, validating the action bundle, and computing PayloadHash
// before calling Schedule; the kernel's only remaining job is to commit
// the timer through Raft and, if this replica is the leader, arm it.
func (k *Kernel) Schedule(timer *types.Timer) (*types.Timer, error) {
	if timer.TenantID == "" || timer.ID == "" {
		return nil, newErr(KindInvalidArgument, "timer requires tenant_id and id")
	}
	if timer.FireAt.IsZero() {
		return nil, newErr(KindInvalidArgument, "timer requires fire_at")
	}

	data, err := json.Marshal(ScheduleCommand{Timer: timer})
	if err != nil {
		return nil, wrapErr(KindInternal, err, "marshal schedule command")
	}

	stored, err := k.submit(types.CommandSchedule, data)
	if err != nil {
		return nil, err
	}

	if k.IsLeader() && !stored.Status.Terminal() {
		deadline := k.jitter.Apply(stored.TenantID, stored.FireAt, stored.JitterPolicy)
		k.wheel.Arm(types.TimerRef{TenantID: stored.TenantID, TimerID: stored.ID}, deadline)
	}

	k.publishEvent(types.EventScheduled, stored, 0)
	return stored, nil
}

// Cancel cancels a pending timer. Cancelling a terminal timer is a no-op
// that returns its current (unchanged) state.
func (k *Kernel) Cancel(tenantID, timerID, reason, by string) (*types.Timer, error) {
	data, err := json.Marshal(CancelCommand{TenantID: tenantID, TimerID: timerID, Reason: reason, By: by})
	if err != nil {
		return nil, wrapErr(KindInternal, err, "marshal cancel command")
	}

	timer, err := k.submit(types.CommandCancel, data)
	if err != nil {
		return nil, err
	}

	if k.IsLeader() {
		k.wheel.Disarm(types.TimerRef{TenantID: tenantID, TimerID: timerID})
	}

	if timer.Status == types.TimerCancelled {
		k.publishEvent(types.EventCancelled, timer, 0)
	}
	return timer, nil
}

// Settle records the orchestrator's outcome for a fired timer.
func (k *Kernel) Settle(tenantID, timerID string, failed bool, failureReason string) (*types.Timer, error) {
	data, err := json.Marshal(SettleCommand{
		TenantID:      tenantID,
		TimerID:       timerID,
		SettledAt:     time.Now().UTC().UnixMilli(),
		Failed:        failed,
		FailureReason: failureReason,
	})
	if err != nil {
		return nil, wrapErr(KindInternal, err, "marshal settle command")
	}

	timer, err := k.submit(types.CommandSettle, data)
	if err != nil {
		return nil, err
	}
	if failed {
		metrics.TimersFailed.WithLabelValues(tenantID).Inc()
		k.publishEvent(types.EventFailed, timer, 0)
	}
	return timer, nil
}

// Get reads a single timer from this replica's local store. Reads are
// local and may lag the leader by one Raft round trip; callers needing
// linearizable reads should route through Schedule/Cancel's response
// instead.
func (k *Kernel) Get(tenantID, timerID string) (*types.Timer, error) {
	timer, err := k.store.GetTimer(tenantID, timerID)
	if err != nil {
		return nil, wrapErr(KindNotFound, err, "timer %s/%s not found", tenantID, timerID)
	}
	return timer, nil
}

// GetByClientID reads a timer by its client-supplied idempotency key.
func (k *Kernel) GetByClientID(tenantID, clientTimerID string) (*types.Timer, error) {
	timer, err := k.store.GetTimerByClientID(tenantID, clientTimerID)
	if err != nil {
		return nil, wrapErr(KindNotFound, err, "timer %s/client/%s not found", tenantID, clientTimerID)
	}
	return timer, nil
}

// List returns every timer owned by tenantID.
func (k *Kernel) List(tenantID string) ([]*types.Timer, error) {
	timers, err := k.store.ListTimersByTenant(tenantID)
	if err != nil {
		return nil, wrapErr(KindInternal, err, "list timers")
	}
	return timers, nil
}

// StreamEvents subscribes to the in-process event broker and, when
// sinceStateVersion is non-zero, replays missed envelopes for tenantID
// from the durable bus first. tenantID scopes only that replay: the live
// subscription receives every event the broker publishes, for all
// tenants. The returned cancel func must be called to release the
// subscription.
func (k *Kernel) StreamEvents(tenantID string, sinceStateVersion uint64) (Subscriber, []*types.EventEnvelope, func()) {
	sub := k.broker.Subscribe()
	cancel := func() { k.broker.Unsubscribe(sub) }

	if sinceStateVersion == 0 || k.durableBus == nil {
		return sub, nil, cancel
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	replayed, err := k.durableBus.Replay(ctx, tenantID, sinceStateVersion)
	if err != nil {
		log.WithComponent("kernel").Warn().Err(err).Msg("resume replay from durable bus failed")
		return sub, nil, cancel
	}
	return sub, replayed, cancel
}
