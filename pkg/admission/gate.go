package admission

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cuemby/minoots/pkg/kernel"
	"github.com/cuemby/minoots/pkg/log"
	"github.com/cuemby/minoots/pkg/metrics"
	"github.com/cuemby/minoots/pkg/security"
	"github.com/cuemby/minoots/pkg/storage"
	"github.com/cuemby/minoots/pkg/types"
	"github.com/google/uuid"
)

const (
	PermissionScheduleTimer = "timers:schedule"
	PermissionCancelTimer   = "timers:cancel"
	PermissionReadTimer     = "timers:read"
)

// ScheduleRequest is what a caller hands the gate before a timer reaches
// the kernel. Duration is a duration grammar string (e.g. "90s", "5m");
// the gate resolves it into an absolute FireAt.
type ScheduleRequest struct {
	APIKeyID      string
	Name          string
	ClientTimerID string
	Duration      string
	Metadata      map[string]string
	Labels        map[string]string
	ActionBundle  []byte
	AgentBinding  *types.AgentBinding
	JitterPolicy  *types.JitterPolicy
	TemporalGraph []types.TimerRef
}

// Gate is the admission boundary in front of the kernel: every external
// caller goes through Schedule/Cancel/Get/List here, never directly at
// kernel.API.
type Gate struct {
	store    storage.Store
	kernel   kernel.API
	limiter  *perTenantLimiter
	signer   *security.EnvelopeSigner
	sequence uint64
}

// New creates an admission Gate in front of k, reading tenant policy and
// usage state from store. signer produces the HMAC signature the gate
// attaches to every admitted command's audit log entry.
func New(store storage.Store, k kernel.API, signer *security.EnvelopeSigner) *Gate {
	return &Gate{
		store:   store,
		kernel:  k,
		limiter: newPerTenantLimiter(),
		signer:  signer,
	}
}

// canonicalCommandFields renders tenant/principal/request-id/issued-at as
// sorted key=value pairs, the canonical form signCommand HMACs.
func canonicalCommandFields(tenantID, principal, requestID, issuedAt string) []byte {
	fields := map[string]string{
		"tenant":     tenantID,
		"principal":  principal,
		"request_id": requestID,
		"issued_at":  issuedAt,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s;", k, fields[k])
	}
	return buf.Bytes()
}

// signCommand builds and signs the command envelope for an admitted
// request, then appends the resulting audit record to store. Raft still
// owns the authoritative replicated log; this is the signed observability
// mirror of what the gate let through. Append failures are logged, not
// returned — a missing audit entry should never block an otherwise
// admitted command.
func (g *Gate) signCommand(tenantID, principal string, kind types.CommandKind, payload []byte) {
	requestID := uuid.NewString()
	issuedAt := time.Now().UTC()
	signature := g.signer.Sign(canonicalCommandFields(tenantID, principal, requestID, issuedAt.Format(time.RFC3339Nano)))

	entry := &types.CommandLogEntry{
		Sequence:    atomic.AddUint64(&g.sequence, 1),
		TenantID:    tenantID,
		CommandKind: kind,
		Payload:     payload,
		Signature:   signature,
		ReceivedAt:  issuedAt,
	}
	if err := g.store.AppendCommandLog(entry); err != nil {
		log.WithRequest(tenantID, requestID).Error().Err(err).Msg("append command log")
	}
}

func (g *Gate) resolvePrincipal(apiKeyID string) (*types.TenantPolicy, error) {
	if apiKeyID == "" {
		metrics.AdmissionRequestsTotal.WithLabelValues("auth", "rejected").Inc()
		return nil, &kernel.Error{Kind: kernel.KindUnauthenticated, Message: "missing api key"}
	}

	policy, err := g.store.GetPolicyByAPIKeyID(apiKeyID)
	if err != nil {
		metrics.AdmissionRequestsTotal.WithLabelValues("auth", "rejected").Inc()
		return nil, &kernel.Error{Kind: kernel.KindUnauthenticated, Message: "unknown api key", Cause: err}
	}
	if !policy.Active {
		metrics.AdmissionRequestsTotal.WithLabelValues("auth", "rejected").Inc()
		return nil, &kernel.Error{Kind: kernel.KindPermissionDenied, Message: "tenant policy is inactive"}
	}

	metrics.AdmissionRequestsTotal.WithLabelValues("auth", "allowed").Inc()
	return policy, nil
}

func hasPermission(policy *types.TenantPolicy, perm string) bool {
	for _, p := range policy.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Schedule authenticates, authorizes, quota-checks, rate-limits, and
// structurally validates req, signs the resulting command envelope, and
// appends it to the audit log before handing a fully-formed Timer to the
// kernel.
func (g *Gate) Schedule(req ScheduleRequest) (*types.Timer, error) {
	policy, err := g.resolvePrincipal(req.APIKeyID)
	if err != nil {
		return nil, err
	}
	if !hasPermission(policy, PermissionScheduleTimer) {
		metrics.AdmissionRequestsTotal.WithLabelValues("schedule", "denied").Inc()
		return nil, &kernel.Error{Kind: kernel.KindPermissionDenied, Message: "tenant lacks " + PermissionScheduleTimer}
	}

	if !g.limiter.Allow(policy.TenantID+":schedule", policy.SchedulePerMinute/60, int(policy.BurstTimerLimit)) {
		metrics.QuotaRejectionsTotal.WithLabelValues(policy.TenantID, "schedule_rate").Inc()
		return nil, &kernel.Error{Kind: kernel.KindResourceExhausted, Message: "schedule rate limit exceeded"}
	}

	usage, err := g.store.GetUsage(policy.TenantID)
	if err != nil {
		return nil, &kernel.Error{Kind: kernel.KindInternal, Message: "read usage", Cause: err}
	}
	today := time.Now().UTC().Format("2006-01-02")
	dailyCount := usage.DailyCount
	if usage.Day != today {
		dailyCount = 0
	}
	if policy.DailyTimerLimit > 0 && dailyCount >= policy.DailyTimerLimit {
		metrics.QuotaRejectionsTotal.WithLabelValues(policy.TenantID, "daily_limit").Inc()
		return nil, &kernel.Error{Kind: kernel.KindResourceExhausted, Message: "daily timer limit reached"}
	}
	if policy.MaxActiveTimers > 0 && usage.ActiveCount >= policy.MaxActiveTimers {
		metrics.QuotaRejectionsTotal.WithLabelValues(policy.TenantID, "max_active").Inc()
		return nil, &kernel.Error{Kind: kernel.KindResourceExhausted, Message: "max active timers reached"}
	}

	durationMs, err := normalizedDurationMs(req.Duration)
	if err != nil {
		metrics.AdmissionRequestsTotal.WithLabelValues("schedule", "rejected").Inc()
		return nil, &kernel.Error{Kind: kernel.KindInvalidArgument, Message: err.Error()}
	}

	if len(req.ActionBundle) > 0 {
		if err := ValidateActionBundle(req.ActionBundle, nil); err != nil {
			metrics.AdmissionRequestsTotal.WithLabelValues("schedule", "rejected").Inc()
			return nil, &kernel.Error{Kind: kernel.KindInvalidArgument, Message: "action_bundle failed schema validation", Cause: err}
		}
	}

	now := time.Now().UTC()
	timer := &types.Timer{
		TenantID:      policy.TenantID,
		ID:            uuid.NewString(),
		ClientTimerID: req.ClientTimerID,
		Name:          req.Name,
		RequestedBy:   req.APIKeyID,
		Metadata:      req.Metadata,
		Labels:        req.Labels,
		ActionBundle:  req.ActionBundle,
		AgentBinding:  req.AgentBinding,
		JitterPolicy:  req.JitterPolicy,
		TemporalGraph: req.TemporalGraph,
		CreatedAt:     now,
		FireAt:        now.Add(time.Duration(durationMs) * time.Millisecond),
		DurationMs:    durationMs,
		Status:        types.TimerScheduled,
		PayloadHash:   payloadHash(req.ActionBundle, req.Metadata, req.Labels),
	}

	if payload, marshalErr := json.Marshal(timer); marshalErr == nil {
		g.signCommand(policy.TenantID, req.APIKeyID, types.CommandSchedule, payload)
	}

	result, err := g.kernel.Schedule(timer)
	if err != nil {
		metrics.AdmissionRequestsTotal.WithLabelValues("schedule", "rejected").Inc()
		return nil, err
	}
	metrics.AdmissionRequestsTotal.WithLabelValues("schedule", "allowed").Inc()
	metrics.TimersScheduled.WithLabelValues(policy.TenantID).Inc()
	return result, nil
}

// Cancel authenticates and authorizes a cancel request before forwarding
// to the kernel.
func (g *Gate) Cancel(apiKeyID, timerID, reason string) (*types.Timer, error) {
	policy, err := g.resolvePrincipal(apiKeyID)
	if err != nil {
		return nil, err
	}
	if !hasPermission(policy, PermissionCancelTimer) {
		metrics.AdmissionRequestsTotal.WithLabelValues("cancel", "denied").Inc()
		return nil, &kernel.Error{Kind: kernel.KindPermissionDenied, Message: "tenant lacks " + PermissionCancelTimer}
	}
	if !g.limiter.Allow(policy.TenantID+":cancel", policy.CancelPerMinute/60, int(policy.BurstTimerLimit)) {
		metrics.QuotaRejectionsTotal.WithLabelValues(policy.TenantID, "cancel_rate").Inc()
		return nil, &kernel.Error{Kind: kernel.KindResourceExhausted, Message: "cancel rate limit exceeded"}
	}

	if payload, marshalErr := json.Marshal(struct {
		TimerID string `json:"timer_id"`
		Reason  string `json:"reason"`
	}{timerID, reason}); marshalErr == nil {
		g.signCommand(policy.TenantID, apiKeyID, types.CommandCancel, payload)
	}

	result, err := g.kernel.Cancel(policy.TenantID, timerID, reason, apiKeyID)
	if err != nil {
		metrics.AdmissionRequestsTotal.WithLabelValues("cancel", "rejected").Inc()
		return nil, err
	}
	metrics.AdmissionRequestsTotal.WithLabelValues("cancel", "allowed").Inc()
	if result.Status == types.TimerCancelled {
		metrics.TimersCancelled.WithLabelValues(policy.TenantID).Inc()
	}
	return result, nil
}

// Get authenticates and authorizes a read, enforcing cross-tenant
// isolation: a tenant can never read another tenant's timer by ID.
func (g *Gate) Get(apiKeyID, timerID string) (*types.Timer, error) {
	policy, err := g.resolvePrincipal(apiKeyID)
	if err != nil {
		return nil, err
	}
	if !hasPermission(policy, PermissionReadTimer) {
		return nil, &kernel.Error{Kind: kernel.KindPermissionDenied, Message: "tenant lacks " + PermissionReadTimer}
	}
	return g.kernel.Get(policy.TenantID, timerID)
}

// List authenticates and authorizes a listing, scoped to the caller's own
// tenant.
func (g *Gate) List(apiKeyID string) ([]*types.Timer, error) {
	policy, err := g.resolvePrincipal(apiKeyID)
	if err != nil {
		return nil, err
	}
	if !hasPermission(policy, PermissionReadTimer) {
		return nil, &kernel.Error{Kind: kernel.KindPermissionDenied, Message: "tenant lacks " + PermissionReadTimer}
	}
	return g.kernel.List(policy.TenantID)
}

func normalizedDurationMs(s string) (int64, error) {
	d, err := types.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d.Milliseconds(), nil
}

// payloadHash computes a stable digest of a schedule request's payload so
// a client_timer_id retry with identical content can be detected as a
// safe no-op instead of a conflicting duplicate.
func payloadHash(actionBundle []byte, metadata, labels map[string]string) string {
	h := sha256.New()
	h.Write(actionBundle)
	writeSortedMap(h, metadata)
	writeSortedMap(h, labels)
	return hex.EncodeToString(h.Sum(nil))
}

func writeSortedMap(h hash.Hash, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, m[k])
	}
}
