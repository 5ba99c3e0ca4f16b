package storage

import (
	"github.com/cuemby/minoots/pkg/types"
)

// Store defines the durable state interface the kernel's FSM applies
// committed commands against. The only implementation is BoltStore; the
// interface exists so the FSM and admission gate depend on behavior, not
// on bbolt directly.
type Store interface {
	// Timers
	PutTimer(timer *types.Timer) error
	GetTimer(tenantID, id string) (*types.Timer, error)
	GetTimerByClientID(tenantID, clientTimerID string) (*types.Timer, error)
	ListTimers() ([]*types.Timer, error)
	ListTimersByTenant(tenantID string) ([]*types.Timer, error)
	ListActiveTimers() ([]*types.Timer, error)
	DeleteTimer(tenantID, id string) error

	// Tenant policies
	PutPolicy(policy *types.TenantPolicy) error
	GetPolicy(tenantID string) (*types.TenantPolicy, error)
	GetPolicyByAPIKeyID(apiKeyID string) (*types.TenantPolicy, error)
	ListPolicies() ([]*types.TenantPolicy, error)
	DeletePolicy(tenantID string) error

	// Usage counters
	GetUsage(tenantID string) (*types.UsageCounters, error)
	PutUsage(usage *types.UsageCounters) error

	// Command log (audit mirror; Raft owns the authoritative log)
	AppendCommandLog(entry *types.CommandLogEntry) error
	ListCommandLog(tenantID string, limit int) ([]*types.CommandLogEntry, error)

	// Dead letters
	PutDeadLetter(rec *types.DeadLetterRecord) error
	ListDeadLetters() ([]*types.DeadLetterRecord, error)
	DeleteDeadLetter(eventID string) error

	Close() error
}
