package types

import "time"

// TimerStatus is a position in the timer lifecycle state machine. Status
// moves from scheduled (or armed) to one of the terminal statuses fired,
// cancelled or failed, and a failed settle moves a fired timer to failed;
// it never moves backwards.
type TimerStatus string

const (
	TimerScheduled TimerStatus = "scheduled"
	TimerArmed     TimerStatus = "armed"
	TimerFired     TimerStatus = "fired"
	TimerCancelled TimerStatus = "cancelled"
	TimerFailed    TimerStatus = "failed"
)

// Terminal reports whether status is a final lifecycle status. Cancel and
// Fire leave a terminal timer unchanged; Settle still records settlement
// on it.
func (s TimerStatus) Terminal() bool {
	return s == TimerFired || s == TimerCancelled || s == TimerFailed
}

// TimerRef is an arena-style reference to another timer, used for temporal
// graph edges. It is never a live pointer: chained timers are looked up by
// identity at read time, and cycle detection is the orchestrator's concern.
type TimerRef struct {
	TenantID string `json:"tenant_id"`
	TimerID  string `json:"timer_id"`
}

// JitterPolicy bounds the perturbation the jitter controller may apply to a
// timer's deadline.
type JitterPolicy struct {
	Kind               JitterKind `json:"kind"`
	MaxOffsetMs        int64      `json:"max_offset_ms"`
	MaxCompensationMs  int64      `json:"max_compensation_ms"`
}

// JitterKind selects the perturbation distribution.
type JitterKind string

const (
	JitterNone            JitterKind = "none"
	JitterUniform          JitterKind = "uniform"
	JitterBoundedGaussian JitterKind = "bounded_gaussian"
)

// AgentBinding optionally targets a downstream agent/executor. Its
// interpretation belongs entirely to the orchestrator; the kernel stores it
// opaquely.
type AgentBinding struct {
	AgentID string            `json:"agent_id"`
	Kind    string            `json:"kind"`
	Config  map[string]string `json:"config,omitempty"`
}

// Timer is the central entity owned by the kernel: a single scheduled
// future event identified by (TenantID, ID).
type Timer struct {
	TenantID     string `json:"tenant_id"`
	ID           string `json:"id"`
	ClientTimerID string `json:"client_timer_id,omitempty"`

	Name        string            `json:"name,omitempty"`
	RequestedBy string            `json:"requested_by"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	// ActionBundle is an opaque payload handed to the orchestrator at fire
	// time. Stored and transported as raw JSON; the kernel never interprets
	// it beyond the optional JSON Schema check (see admission.ValidateActionBundle).
	ActionBundle []byte `json:"action_bundle,omitempty"`

	AgentBinding *AgentBinding  `json:"agent_binding,omitempty"`
	JitterPolicy *JitterPolicy  `json:"jitter_policy,omitempty"`
	TemporalGraph []TimerRef    `json:"temporal_graph,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FireAt     time.Time `json:"fire_at"`
	DurationMs int64     `json:"duration_ms"`

	Status TimerStatus `json:"status"`

	FiredAt     *time.Time `json:"fired_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`

	CancelReason  string `json:"cancel_reason,omitempty"`
	CancelledBy   string `json:"cancelled_by,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// PayloadSchemaRef names a tenant-scoped JSON Schema for ActionBundle.
	// The admission gate neither sets nor reads it: ActionBundle is
	// validated against no schema, whatever this field holds.
	PayloadSchemaRef string `json:"payload_schema_ref,omitempty"`

	// PayloadHash is sha256(ActionBundle || Metadata || Labels canonical
	// form), used to detect a Schedule retry with an identical payload vs.
	// a genuine id conflict.
	PayloadHash string `json:"payload_hash,omitempty"`

	StateVersion uint64 `json:"state_version"`
}

// TenantPolicy binds an API key to a tenant's roles, permissions, and
// quotas. Policies are seeded out-of-band and mutated by admin tooling;
// the admission gate reads them on every request.
type TenantPolicy struct {
	TenantID string `json:"tenant_id"`
	APIKeyID string `json:"api_key_id"`
	Active   bool   `json:"active"`

	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`

	DailyTimerLimit  int64 `json:"daily_timer_limit"`
	BurstTimerLimit  int64 `json:"burst_timer_limit"`
	MaxActiveTimers  int64 `json:"max_active_timers"`
	SchedulePerMinute float64 `json:"schedule_per_minute"`
	CancelPerMinute   float64 `json:"cancel_per_minute"`
}

// UsageCounters tracks the per-tenant counters the admission gate enforces
// quotas against. DailyCount resets when Day changes.
type UsageCounters struct {
	TenantID    string `json:"tenant_id"`
	Day         string `json:"day"` // YYYY-MM-DD, UTC
	DailyCount  int64  `json:"daily_count"`
	ActiveCount int64  `json:"active_count"`
}

// CommandKind enumerates the kinds of entries the write-ahead log carries.
type CommandKind string

const (
	CommandSchedule CommandKind = "schedule"
	CommandCancel   CommandKind = "cancel"
	CommandFire     CommandKind = "fire"
	CommandSettle   CommandKind = "settle"
)

// CommandLogEntry is the durable, immutable-once-appended record of a
// single command the gate admitted, kept in storage for audit listing.
// Raft owns the physical log, whose entries carry kernel.Command values;
// this type is the gate's signed audit record, not the raft.Log payload.
type CommandLogEntry struct {
	Sequence    uint64      `json:"sequence"`
	TenantID    string      `json:"tenant_id"`
	CommandKind CommandKind `json:"command_kind"`
	Payload     []byte      `json:"payload"`
	Signature   string      `json:"signature"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// EventKind enumerates the lifecycle events the event bus publishes.
type EventKind string

const (
	EventScheduled EventKind = "Scheduled"
	EventArmed     EventKind = "Armed"
	EventFired     EventKind = "Fired"
	EventCancelled EventKind = "Cancelled"
	EventFailed    EventKind = "Failed"
)

// EventEnvelope is the signed wire record for a single timer lifecycle
// transition. Event delivery is at-least-once; consumers dedupe on ID.
type EventEnvelope struct {
	ID           string        `json:"event_id"`
	TenantID     string        `json:"tenant_id"`
	TimerID      string        `json:"timer_id"`
	Kind         EventKind     `json:"kind"`
	OccurredAt   time.Time     `json:"occurred_at"`
	StateVersion uint64        `json:"state_version"`
	TimerSnapshot *Timer       `json:"timer_snapshot"`
	DriftMs      int64         `json:"drift_ms,omitempty"`
	Signature    string        `json:"signature"`
}

// DeadLetterRecord captures an envelope that exceeded its delivery budget.
type DeadLetterRecord struct {
	OccurredAt         time.Time      `json:"occurred_at"`
	OriginalEnvelope   *EventEnvelope `json:"original_envelope"`
	ErrorDescription   string         `json:"error_description"`
	DeliveryAttempts   int            `json:"delivery_attempts"`
	ConsumerName       string         `json:"consumer_name"`
}
