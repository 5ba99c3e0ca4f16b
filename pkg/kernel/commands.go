package kernel

import (
	"encoding/json"

	"github.com/cuemby/minoots/pkg/types"
)

// Command is the payload carried inside every raft.Log entry applied by
// the FSM. Op names the operation; Data is the operation's own JSON body.
type Command struct {
	Op   types.CommandKind `json:"op"`
	Data json.RawMessage   `json:"data"`
}

// ScheduleCommand admits a new timer into durable state. The admission
// gate has already resolved the tenant, validated quotas, normalized the
// duration, and computed FireAt and PayloadHash before this reaches Raft.
type ScheduleCommand struct {
	Timer *types.Timer `json:"timer"`
}

// CancelCommand cancels a timer before it fires. Cancelling an
// already-terminal timer is a no-op, not an error, so retries are safe.
type CancelCommand struct {
	TenantID string `json:"tenant_id"`
	TimerID  string `json:"timer_id"`
	Reason   string `json:"reason"`
	By       string `json:"by"`
}

// FireCommand is submitted by the wheel on the leader when an armed
// timer's deadline is reached. DriftMs is the wheel's own observed
// |fired_at - fire_at|, recorded for the event envelope.
type FireCommand struct {
	TenantID string `json:"tenant_id"`
	TimerID  string `json:"timer_id"`
	FiredAt  int64  `json:"fired_at_unix_ms"`
	DriftMs  int64  `json:"drift_ms"`
}

// SettleCommand records the orchestrator's outcome for a fired timer:
// either a clean settlement or a failure reason.
type SettleCommand struct {
	TenantID      string `json:"tenant_id"`
	TimerID       string `json:"timer_id"`
	SettledAt     int64  `json:"settled_at_unix_ms"`
	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
}
