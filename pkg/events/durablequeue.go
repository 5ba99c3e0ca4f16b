package events

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/minoots/pkg/types"
)

// ErrQueueClosed is returned by Push once the queue has been closed.
var ErrQueueClosed = errors.New("durable queue closed")

// durableQueue is a goroutine-safe, bounded FIFO of EventEnvelopes. Unlike
// Broker's drop-on-full subscriber channels, Push blocks when the queue is
// at capacity instead of discarding the event: the durable-bus bridge
// cannot silently lose a lifecycle event just because Redis is slow to
// drain.
type durableQueue struct {
	mu       sync.Mutex
	items    *list.List
	maxDepth int // 0 = unlimited
	notEmpty chan struct{}
	notFull  chan struct{}
	closed   bool
}

func newDurableQueue(maxDepth int) *durableQueue {
	return &durableQueue{
		items:    list.New(),
		maxDepth: maxDepth,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Push enqueues event, blocking while the queue is at capacity.
func (q *durableQueue) Push(ctx context.Context, event *types.EventEnvelope) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.maxDepth <= 0 || q.items.Len() < q.maxDepth {
			q.items.PushBack(event)
			select {
			case q.notEmpty <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("push cancelled while waiting for queue space: %w", ctx.Err())
		case <-q.notFull:
		}
	}
}

// TryPop removes and returns the front item without blocking.
func (q *durableQueue) TryPop() (*types.EventEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return nil, false
	}

	wasAtCapacity := q.maxDepth > 0 && q.items.Len() >= q.maxDepth
	event := q.items.Remove(front).(*types.EventEnvelope)
	if wasAtCapacity {
		select {
		case q.notFull <- struct{}{}:
		default:
		}
	}
	return event, true
}

// Notify returns the channel signaled whenever an item is pushed.
func (q *durableQueue) Notify() <-chan struct{} {
	return q.notEmpty
}

// Len returns the current queue depth.
func (q *durableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close marks the queue closed; pending Pushes return ErrQueueClosed.
func (q *durableQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notFull)
	close(q.notEmpty)
}
