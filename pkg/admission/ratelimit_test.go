package admission

import "testing"

func TestPerTenantLimiterAllowsWithinBurst(t *testing.T) {
	l := newPerTenantLimiter()

	for i := 0; i < 5; i++ {
		if !l.Allow("tenant-a:schedule", 1, 5) {
			t.Fatalf("Allow() call %d denied, want allowed within burst", i)
		}
	}
	if l.Allow("tenant-a:schedule", 1, 5) {
		t.Error("Allow() beyond burst should be denied")
	}
}

func TestPerTenantLimiterIsolatesKeys(t *testing.T) {
	l := newPerTenantLimiter()

	for i := 0; i < 3; i++ {
		l.Allow("tenant-a:schedule", 1, 3)
	}
	if !l.Allow("tenant-b:schedule", 1, 3) {
		t.Error("tenant-b's bucket should be unaffected by tenant-a's usage")
	}
}

func TestPerTenantLimiterForgetResetsBucket(t *testing.T) {
	l := newPerTenantLimiter()

	for i := 0; i < 2; i++ {
		l.Allow("tenant-a:schedule", 1, 2)
	}
	if l.Allow("tenant-a:schedule", 1, 2) {
		t.Fatal("expected bucket to be exhausted")
	}

	l.Forget("tenant-a:schedule")
	if !l.Allow("tenant-a:schedule", 1, 2) {
		t.Error("Allow() after Forget() should succeed on a fresh bucket")
	}
}

func TestPerTenantLimiterMinimumBurstOfOne(t *testing.T) {
	l := newPerTenantLimiter()
	if !l.Allow("tenant-a:cancel", 1, 0) {
		t.Error("Allow() with burst<1 should still allow the first request")
	}
}
