package kernel

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/minoots/pkg/types"
	"github.com/stretchr/testify/assert"
)

// newTestKernel bootstraps a single-node cluster and waits for it to
// become leader. Raft/BoltDB integration tests like this have known race
// detector issues with the legacy boltdb library; run without -race.
func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(&Config{
		NodeID:     "test-node",
		BindAddr:   "127.0.0.1:0",
		DataDir:    t.TempDir(),
		SigningKey: bytes.Repeat([]byte{0x11}, 32),
	})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown() })

	err = k.Bootstrap()
	assert.NoError(t, err)

	for i := 0; i < 50; i++ {
		if k.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !k.IsLeader() {
		t.Fatal("kernel failed to become leader")
	}
	return k
}

func TestKernelScheduleAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Raft integration test in short mode")
	}
	k := newTestKernel(t)

	timer := &types.Timer{
		TenantID: "tenant-a", ID: "tmr-1",
		CreatedAt: time.Now(), FireAt: time.Now().Add(time.Hour),
		Status: types.TimerScheduled,
	}
	scheduled, err := k.Schedule(timer)
	assert.NoError(t, err)
	assert.Equal(t, types.TimerScheduled, scheduled.Status)

	got, err := k.Get("tenant-a", "tmr-1")
	assert.NoError(t, err)
	assert.Equal(t, "tmr-1", got.ID)
}

func TestKernelScheduleArmsTheWheel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Raft integration test in short mode")
	}
	k := newTestKernel(t)

	timer := &types.Timer{
		TenantID: "tenant-a", ID: "tmr-1",
		CreatedAt: time.Now(), FireAt: time.Now().Add(time.Hour),
		Status: types.TimerScheduled,
	}
	_, err := k.Schedule(timer)
	assert.NoError(t, err)
	assert.Equal(t, 1, k.wheel.Len())
}

func TestKernelCancelDisarmsTheWheel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Raft integration test in short mode")
	}
	k := newTestKernel(t)

	timer := &types.Timer{
		TenantID: "tenant-a", ID: "tmr-1",
		CreatedAt: time.Now(), FireAt: time.Now().Add(time.Hour),
		Status: types.TimerScheduled,
	}
	_, err := k.Schedule(timer)
	assert.NoError(t, err)

	cancelled, err := k.Cancel("tenant-a", "tmr-1", "user requested", "key-a")
	assert.NoError(t, err)
	assert.Equal(t, types.TimerCancelled, cancelled.Status)
	assert.Equal(t, 0, k.wheel.Len())
}

func TestKernelFiresWhenDeadlinePasses(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Raft integration test in short mode")
	}
	k := newTestKernel(t)

	sub, _, unsubscribe := k.StreamEvents("tenant-a", 0)
	defer unsubscribe()

	timer := &types.Timer{
		TenantID: "tenant-a", ID: "tmr-1",
		CreatedAt: time.Now(), FireAt: time.Now().Add(50 * time.Millisecond),
		Status: types.TimerScheduled,
	}
	_, err := k.Schedule(timer)
	assert.NoError(t, err)

	// Schedule publishes a Scheduled event before the wheel fires; the
	// next event after it must be the Fired one.
	timeout := time.After(5 * time.Second)
	for fired := false; !fired; {
		select {
		case env := <-sub:
			if env.Kind == types.EventScheduled {
				continue
			}
			assert.Equal(t, types.EventFired, env.Kind)
			assert.Equal(t, "tmr-1", env.TimerID)
			fired = true
		case <-timeout:
			t.Fatal("timed out waiting for the timer to fire")
		}
	}

	got, err := k.Get("tenant-a", "tmr-1")
	assert.NoError(t, err)
	assert.Equal(t, types.TimerFired, got.Status)
}

func TestKernelCancelAfterFireDoesNotChangeOutcome(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Raft integration test in short mode")
	}
	k := newTestKernel(t)

	timer := &types.Timer{
		TenantID: "tenant-a", ID: "tmr-1",
		CreatedAt: time.Now(), FireAt: time.Now().Add(50 * time.Millisecond),
		Status: types.TimerScheduled,
	}
	_, err := k.Schedule(timer)
	assert.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := k.Get("tenant-a", "tmr-1")
		assert.NoError(t, err)
		if got.Status == types.TimerFired {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancelled, err := k.Cancel("tenant-a", "tmr-1", "too late", "key-a")
	assert.NoError(t, err)
	assert.Equal(t, types.TimerFired, cancelled.Status, "cancel arriving after fire must not override the fired outcome")
}

func TestKernelSettleRecordsFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Raft integration test in short mode")
	}
	k := newTestKernel(t)

	timer := &types.Timer{
		TenantID: "tenant-a", ID: "tmr-1",
		CreatedAt: time.Now(), FireAt: time.Now().Add(-time.Second),
		Status: types.TimerFired,
	}
	_, err := k.Schedule(timer)
	assert.NoError(t, err)

	settled, err := k.Settle("tenant-a", "tmr-1", true, "orchestrator unreachable")
	assert.NoError(t, err)
	assert.Equal(t, types.TimerFailed, settled.Status)
	assert.Equal(t, "orchestrator unreachable", settled.FailureReason)
}
