package kernel

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/minoots/pkg/storage"
	"github.com/cuemby/minoots/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine for the timer kernel. It
// mutates storage only; arming the wheel and publishing events is the
// submitting Kernel's job, since only the leader's submit path observes
// Apply's response (followers receive the same log entries via Raft
// replication with no caller watching the return value).
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates an FSM instance over store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies a single committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return wrapErr(KindInternal, err, "unmarshal command")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case types.CommandSchedule:
		return f.applySchedule(cmd.Data)
	case types.CommandCancel:
		return f.applyCancel(cmd.Data)
	case types.CommandFire:
		return f.applyFire(cmd.Data)
	case types.CommandSettle:
		return f.applySettle(cmd.Data)
	default:
		return newErr(KindInternal, "unknown command op %q", cmd.Op)
	}
}

func (f *FSM) applySchedule(data json.RawMessage) interface{} {
	var c ScheduleCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return wrapErr(KindInternal, err, "unmarshal schedule command")
	}

	// Idempotency: a retry with the same client_timer_id and an identical
	// payload hash returns the existing timer rather than creating a
	// duplicate or rejecting the request.
	if c.Timer.ClientTimerID != "" {
		if existing, err := f.store.GetTimerByClientID(c.Timer.TenantID, c.Timer.ClientTimerID); err == nil {
			if existing.PayloadHash == c.Timer.PayloadHash {
				return existing
			}
			return newErr(KindAlreadyExists, "client_timer_id %q already used with a different payload", c.Timer.ClientTimerID)
		}
	}

	if err := f.store.PutTimer(c.Timer); err != nil {
		return wrapErr(KindInternal, err, "put timer")
	}

	usage, err := f.store.GetUsage(c.Timer.TenantID)
	if err != nil {
		return wrapErr(KindInternal, err, "get usage")
	}
	today := c.Timer.CreatedAt.UTC().Format("2006-01-02")
	if usage.Day != today {
		usage.Day = today
		usage.DailyCount = 0
	}
	usage.DailyCount++
	usage.ActiveCount++
	if err := f.store.PutUsage(usage); err != nil {
		return wrapErr(KindInternal, err, "put usage")
	}

	return c.Timer
}

func (f *FSM) applyCancel(data json.RawMessage) interface{} {
	var c CancelCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return wrapErr(KindInternal, err, "unmarshal cancel command")
	}

	timer, err := f.store.GetTimer(c.TenantID, c.TimerID)
	if err != nil {
		return newErr(KindNotFound, "timer %s/%s not found", c.TenantID, c.TimerID)
	}

	if timer.Status.Terminal() {
		// Cancel is idempotent: cancelling an already-cancelled timer
		// succeeds; cancelling one that already fired or failed does not
		// retroactively change its outcome.
		return timer
	}

	now := time.Now().UTC()
	timer.Status = types.TimerCancelled
	timer.CancelledAt = &now
	timer.CancelReason = c.Reason
	timer.CancelledBy = c.By
	timer.StateVersion++

	if err := f.store.PutTimer(timer); err != nil {
		return wrapErr(KindInternal, err, "put timer")
	}
	if err := f.decrementActive(timer.TenantID); err != nil {
		return wrapErr(KindInternal, err, "decrement active usage")
	}

	return timer
}

func (f *FSM) applyFire(data json.RawMessage) interface{} {
	var c FireCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return wrapErr(KindInternal, err, "unmarshal fire command")
	}

	timer, err := f.store.GetTimer(c.TenantID, c.TimerID)
	if err != nil {
		return newErr(KindNotFound, "timer %s/%s not found", c.TenantID, c.TimerID)
	}

	if timer.Status.Terminal() {
		// The cancel and the fire raced; whichever command reached this
		// Apply call first (i.e. holds the earlier Raft log sequence)
		// wins. A fire arriving after a committed cancel is simply
		// dropped.
		return timer
	}

	firedAt := time.UnixMilli(c.FiredAt).UTC()
	timer.Status = types.TimerFired
	timer.FiredAt = &firedAt
	timer.StateVersion++

	if err := f.store.PutTimer(timer); err != nil {
		return wrapErr(KindInternal, err, "put timer")
	}
	if err := f.decrementActive(timer.TenantID); err != nil {
		return wrapErr(KindInternal, err, "decrement active usage")
	}

	return timer
}

func (f *FSM) applySettle(data json.RawMessage) interface{} {
	var c SettleCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return wrapErr(KindInternal, err, "unmarshal settle command")
	}

	timer, err := f.store.GetTimer(c.TenantID, c.TimerID)
	if err != nil {
		return newErr(KindNotFound, "timer %s/%s not found", c.TenantID, c.TimerID)
	}

	settledAt := time.UnixMilli(c.SettledAt).UTC()
	timer.SettledAt = &settledAt
	if c.Failed {
		timer.Status = types.TimerFailed
		timer.FailureReason = c.FailureReason
	}
	timer.StateVersion++

	if err := f.store.PutTimer(timer); err != nil {
		return wrapErr(KindInternal, err, "put timer")
	}

	return timer
}

func (f *FSM) decrementActive(tenantID string) error {
	usage, err := f.store.GetUsage(tenantID)
	if err != nil {
		return err
	}
	if usage.ActiveCount > 0 {
		usage.ActiveCount--
	}
	return f.store.PutUsage(usage)
}

// Snapshot captures every durable entity the FSM owns.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	timers, err := f.store.ListTimers()
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	policies, err := f.store.ListPolicies()
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	return &fsmSnapshot{Timers: timers, Policies: policies}, nil
}

// Restore replaces store contents with the decoded snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, timer := range snap.Timers {
		if err := f.store.PutTimer(timer); err != nil {
			return fmt.Errorf("restore timer: %w", err)
		}
	}
	for _, policy := range snap.Policies {
		if err := f.store.PutPolicy(policy); err != nil {
			return fmt.Errorf("restore policy: %w", err)
		}
	}

	return nil
}

type fsmSnapshot struct {
	Timers   []*types.Timer        `json:"timers"`
	Policies []*types.TenantPolicy `json:"policies"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
