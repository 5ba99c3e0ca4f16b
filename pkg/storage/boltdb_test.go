package storage

import (
	"testing"

	"github.com/cuemby/minoots/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTimerRoundTrip(t *testing.T) {
	s := newTestStore(t)

	timer := &types.Timer{
		ID:            "tmr-1",
		TenantID:      "tenant-a",
		ClientTimerID: "client-1",
		Name:          "reminder",
		Status:        types.TimerScheduled,
	}
	if err := s.PutTimer(timer); err != nil {
		t.Fatalf("PutTimer() error = %v", err)
	}

	got, err := s.GetTimer("tenant-a", "tmr-1")
	if err != nil {
		t.Fatalf("GetTimer() error = %v", err)
	}
	if got.Name != "reminder" {
		t.Errorf("GetTimer() name = %q, want %q", got.Name, "reminder")
	}

	byClient, err := s.GetTimerByClientID("tenant-a", "client-1")
	if err != nil {
		t.Fatalf("GetTimerByClientID() error = %v", err)
	}
	if byClient.ID != "tmr-1" {
		t.Errorf("GetTimerByClientID() id = %q, want %q", byClient.ID, "tmr-1")
	}

	if err := s.DeleteTimer("tenant-a", "tmr-1"); err != nil {
		t.Fatalf("DeleteTimer() error = %v", err)
	}
	if _, err := s.GetTimer("tenant-a", "tmr-1"); err == nil {
		t.Error("GetTimer() should error after delete")
	}
}

func TestListTimersByTenantIsolatesTenants(t *testing.T) {
	s := newTestStore(t)

	for _, tr := range []*types.Timer{
		{ID: "a1", TenantID: "tenant-a", Status: types.TimerScheduled},
		{ID: "a2", TenantID: "tenant-a", Status: types.TimerFired},
		{ID: "b1", TenantID: "tenant-b", Status: types.TimerScheduled},
	} {
		if err := s.PutTimer(tr); err != nil {
			t.Fatalf("PutTimer(%s) error = %v", tr.ID, err)
		}
	}

	listA, err := s.ListTimersByTenant("tenant-a")
	if err != nil {
		t.Fatalf("ListTimersByTenant(tenant-a) error = %v", err)
	}
	if len(listA) != 2 {
		t.Errorf("ListTimersByTenant(tenant-a) len = %d, want 2", len(listA))
	}

	listB, err := s.ListTimersByTenant("tenant-b")
	if err != nil {
		t.Fatalf("ListTimersByTenant(tenant-b) error = %v", err)
	}
	if len(listB) != 1 {
		t.Errorf("ListTimersByTenant(tenant-b) len = %d, want 1", len(listB))
	}

	// A tenant ID that happens to share a prefix with another must not leak.
	if err := s.PutTimer(&types.Timer{ID: "c1", TenantID: "tenant-ab", Status: types.TimerScheduled}); err != nil {
		t.Fatalf("PutTimer(c1) error = %v", err)
	}
	listA2, err := s.ListTimersByTenant("tenant-a")
	if err != nil {
		t.Fatalf("ListTimersByTenant(tenant-a) error = %v", err)
	}
	if len(listA2) != 2 {
		t.Errorf("ListTimersByTenant(tenant-a) leaked across tenant-ab: len = %d, want 2", len(listA2))
	}
}

func TestListActiveTimersExcludesTerminal(t *testing.T) {
	s := newTestStore(t)

	for _, tr := range []*types.Timer{
		{ID: "t1", TenantID: "tenant-a", Status: types.TimerScheduled},
		{ID: "t2", TenantID: "tenant-a", Status: types.TimerArmed},
		{ID: "t3", TenantID: "tenant-a", Status: types.TimerFired},
		{ID: "t4", TenantID: "tenant-a", Status: types.TimerCancelled},
		{ID: "t5", TenantID: "tenant-a", Status: types.TimerFailed},
	} {
		if err := s.PutTimer(tr); err != nil {
			t.Fatalf("PutTimer(%s) error = %v", tr.ID, err)
		}
	}

	active, err := s.ListActiveTimers()
	if err != nil {
		t.Fatalf("ListActiveTimers() error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListActiveTimers() len = %d, want 2", len(active))
	}
	for _, tr := range active {
		if tr.Status.Terminal() {
			t.Errorf("ListActiveTimers() returned terminal timer %s", tr.ID)
		}
	}
}

func TestPolicyRoundTripAndLookupByAPIKey(t *testing.T) {
	s := newTestStore(t)

	policy := &types.TenantPolicy{
		TenantID: "tenant-a",
		APIKeyID: "key-123",
		Active:   true,
		Roles:    []string{"scheduler"},
	}
	if err := s.PutPolicy(policy); err != nil {
		t.Fatalf("PutPolicy() error = %v", err)
	}

	got, err := s.GetPolicy("tenant-a")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if got.APIKeyID != "key-123" {
		t.Errorf("GetPolicy() api key = %q, want %q", got.APIKeyID, "key-123")
	}

	byKey, err := s.GetPolicyByAPIKeyID("key-123")
	if err != nil {
		t.Fatalf("GetPolicyByAPIKeyID() error = %v", err)
	}
	if byKey.TenantID != "tenant-a" {
		t.Errorf("GetPolicyByAPIKeyID() tenant = %q, want %q", byKey.TenantID, "tenant-a")
	}

	all, err := s.ListPolicies()
	if err != nil {
		t.Fatalf("ListPolicies() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListPolicies() len = %d, want 1", len(all))
	}

	if err := s.DeletePolicy("tenant-a"); err != nil {
		t.Fatalf("DeletePolicy() error = %v", err)
	}
	if _, err := s.GetPolicy("tenant-a"); err == nil {
		t.Error("GetPolicy() should error after delete")
	}
}

func TestGetUsageReturnsZeroValueForUnknownTenant(t *testing.T) {
	s := newTestStore(t)

	usage, err := s.GetUsage("never-seen")
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage.DailyCount != 0 || usage.ActiveCount != 0 {
		t.Errorf("GetUsage() for unknown tenant = %+v, want zero counters", usage)
	}
	if usage.TenantID != "never-seen" {
		t.Errorf("GetUsage() tenant id = %q, want %q", usage.TenantID, "never-seen")
	}
}

func TestPutUsagePersists(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutUsage(&types.UsageCounters{TenantID: "tenant-a", DailyCount: 5, ActiveCount: 2, Day: "2026-07-31"}); err != nil {
		t.Fatalf("PutUsage() error = %v", err)
	}

	got, err := s.GetUsage("tenant-a")
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if got.DailyCount != 5 || got.ActiveCount != 2 {
		t.Errorf("GetUsage() = %+v, want DailyCount=5 ActiveCount=2", got)
	}
}

func TestCommandLogOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)

	for i := uint64(1); i <= 5; i++ {
		entry := &types.CommandLogEntry{TenantID: "tenant-a", Sequence: i}
		if err := s.AppendCommandLog(entry); err != nil {
			t.Fatalf("AppendCommandLog(%d) error = %v", i, err)
		}
	}

	all, err := s.ListCommandLog("tenant-a", 0)
	if err != nil {
		t.Fatalf("ListCommandLog() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ListCommandLog() len = %d, want 5", len(all))
	}
	for i, entry := range all {
		if entry.Sequence != uint64(i+1) {
			t.Errorf("ListCommandLog()[%d].Sequence = %d, want %d", i, entry.Sequence, i+1)
		}
	}

	limited, err := s.ListCommandLog("tenant-a", 2)
	if err != nil {
		t.Fatalf("ListCommandLog(limit=2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListCommandLog(limit=2) len = %d, want 2", len(limited))
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &types.DeadLetterRecord{
		ConsumerName:     "consumer-1",
		OriginalEnvelope: &types.EventEnvelope{ID: "evt-1"},
		ErrorDescription: "max deliveries exceeded",
	}
	if err := s.PutDeadLetter(rec); err != nil {
		t.Fatalf("PutDeadLetter() error = %v", err)
	}

	all, err := s.ListDeadLetters()
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListDeadLetters() len = %d, want 1", len(all))
	}
	if all[0].ErrorDescription != "max deliveries exceeded" {
		t.Errorf("ListDeadLetters()[0].ErrorDescription = %q, want %q", all[0].ErrorDescription, "max deliveries exceeded")
	}

	if err := s.DeleteDeadLetter("evt-1"); err != nil {
		t.Fatalf("DeleteDeadLetter() error = %v", err)
	}
	remaining, err := s.ListDeadLetters()
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("ListDeadLetters() after delete len = %d, want 0", len(remaining))
	}
}
