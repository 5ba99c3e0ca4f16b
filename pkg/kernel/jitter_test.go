package kernel

import (
	"testing"
	"time"

	"github.com/cuemby/minoots/pkg/types"
)

func TestJitterApplyNilPolicyReturnsNominal(t *testing.T) {
	j := NewJitterController(0.2)
	now := time.Now()
	got := j.Apply("tenant-a", now, nil)
	if !got.Equal(now) {
		t.Errorf("Apply() with nil policy = %v, want %v", got, now)
	}
}

func TestJitterApplyNoneKindReturnsNominal(t *testing.T) {
	j := NewJitterController(0.2)
	now := time.Now()
	got := j.Apply("tenant-a", now, &types.JitterPolicy{Kind: types.JitterNone})
	if !got.Equal(now) {
		t.Errorf("Apply() with JitterNone = %v, want %v", got, now)
	}
}

func TestJitterApplyUniformStaysWithinBounds(t *testing.T) {
	j := NewJitterController(0.2)
	now := time.Now()
	policy := &types.JitterPolicy{Kind: types.JitterUniform, MaxOffsetMs: 100}

	for i := 0; i < 200; i++ {
		got := j.Apply("tenant-a", now, policy)
		delta := got.Sub(now)
		if delta < -100*time.Millisecond || delta > 100*time.Millisecond {
			t.Fatalf("Apply() offset %v outside [-100ms, 100ms]", delta)
		}
	}
}

func TestJitterApplyBoundedGaussianStaysWithinBounds(t *testing.T) {
	j := NewJitterController(0.2)
	now := time.Now()
	policy := &types.JitterPolicy{Kind: types.JitterBoundedGaussian, MaxOffsetMs: 50}

	for i := 0; i < 200; i++ {
		got := j.Apply("tenant-a", now, policy)
		delta := got.Sub(now)
		if delta < -50*time.Millisecond || delta > 50*time.Millisecond {
			t.Fatalf("Apply() offset %v outside [-50ms, 50ms]", delta)
		}
	}
}

func TestJitterObserveUpdatesEWMA(t *testing.T) {
	j := NewJitterController(1.0) // alpha=1 makes EWMA track the latest sample exactly
	j.Observe("tenant-a", 40)

	now := time.Now()
	policy := &types.JitterPolicy{Kind: types.JitterNone, MaxCompensationMs: 100}
	got := j.Apply("tenant-a", now, policy)

	want := now.Add(-40 * time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("Apply() after Observe(40ms drift) = %v, want %v", got, want)
	}
}

func TestJitterCompensationClampsToMax(t *testing.T) {
	j := NewJitterController(1.0)
	j.Observe("tenant-a", 1000)

	now := time.Now()
	policy := &types.JitterPolicy{Kind: types.JitterNone, MaxCompensationMs: 50}
	got := j.Apply("tenant-a", now, policy)

	want := now.Add(-50 * time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("Apply() compensation = %v, want clamped to %v", got, want)
	}
}

func TestJitterDriftIsPerTenant(t *testing.T) {
	j := NewJitterController(1.0)
	j.Observe("tenant-a", 80)

	now := time.Now()
	policy := &types.JitterPolicy{Kind: types.JitterNone, MaxCompensationMs: 200}

	gotB := j.Apply("tenant-b", now, policy)
	if !gotB.Equal(now) {
		t.Errorf("Apply() for tenant-b (no observations) = %v, want %v unaffected by tenant-a's drift", gotB, now)
	}
}

func TestNewJitterControllerDefaultsInvalidAlpha(t *testing.T) {
	j := NewJitterController(0)
	if j.alpha != 0.2 {
		t.Errorf("alpha = %v, want default 0.2 for invalid input", j.alpha)
	}
	j2 := NewJitterController(1.5)
	if j2.alpha != 0.2 {
		t.Errorf("alpha = %v, want default 0.2 for out-of-range input", j2.alpha)
	}
}
