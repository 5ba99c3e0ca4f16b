package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/minoots/pkg/types"
)

func TestDurableQueuePushTryPop(t *testing.T) {
	q := newDurableQueue(0)

	if err := q.Push(context.Background(), &types.EventEnvelope{ID: "evt-1"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got, ok := q.TryPop()
	if !ok {
		t.Fatal("TryPop() ok = false, want true")
	}
	if got.ID != "evt-1" {
		t.Errorf("got.ID = %q, want %q", got.ID, "evt-1")
	}

	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() on empty queue ok = true, want false")
	}
}

func TestDurableQueueNotifySignalsOnPush(t *testing.T) {
	q := newDurableQueue(0)

	select {
	case <-q.Notify():
		t.Fatal("Notify() fired before any push")
	default:
	}

	if err := q.Push(context.Background(), &types.EventEnvelope{ID: "evt-1"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case <-q.Notify():
	case <-time.After(time.Second):
		t.Fatal("Notify() did not fire after push")
	}
}

func TestDurableQueuePushBlocksAtCapacity(t *testing.T) {
	q := newDurableQueue(1)

	if err := q.Push(context.Background(), &types.EventEnvelope{ID: "evt-1"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	pushed := make(chan struct{})
	go func() {
		defer wg.Done()
		if err := q.Push(context.Background(), &types.EventEnvelope{ID: "evt-2"}); err != nil {
			t.Errorf("blocked Push() error = %v", err)
		}
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push() returned before capacity was freed")
	case <-time.After(100 * time.Millisecond):
	}

	if _, ok := q.TryPop(); !ok {
		t.Fatal("TryPop() ok = false, want true")
	}

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("blocked Push() did not unblock after TryPop freed capacity")
	}
	wg.Wait()

	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestDurableQueuePushRespectsContextCancellation(t *testing.T) {
	q := newDurableQueue(1)
	if err := q.Push(context.Background(), &types.EventEnvelope{ID: "evt-1"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := q.Push(ctx, &types.EventEnvelope{ID: "evt-2"}); err == nil {
		t.Error("Push() with cancelled context should return an error")
	}
}

func TestDurableQueuePushAfterCloseReturnsErrQueueClosed(t *testing.T) {
	q := newDurableQueue(0)
	q.Close()

	if err := q.Push(context.Background(), &types.EventEnvelope{ID: "evt-1"}); err != ErrQueueClosed {
		t.Errorf("Push() after Close() error = %v, want %v", err, ErrQueueClosed)
	}
}

func TestDurableQueueCloseIsIdempotent(t *testing.T) {
	q := newDurableQueue(0)
	q.Close()
	q.Close()
}
