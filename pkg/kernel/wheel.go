package kernel

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/minoots/pkg/types"
)

// FireFunc is invoked by the wheel when an armed entry's deadline is
// reached. It runs on the wheel's own goroutine; implementations must not
// block it for long (the kernel's FireFunc submits a Raft command and
// returns).
type FireFunc func(ref types.TimerRef, fireAt time.Time)

type wheelEntry struct {
	ref    types.TimerRef
	fireAt time.Time
	index  int
}

type entryHeap []*wheelEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*wheelEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is the kernel's in-memory deadline queue: a min-heap of armed
// timer references ordered by fire time, drained by a single goroutine
// that sleeps until the next deadline and re-evaluates whenever an entry
// is armed or disarmed ahead of the one it was waiting on. Only the
// current Raft leader runs a live wheel; a replica rebuilds it from
// storage when it becomes leader (see recovery.go), and followers never
// start theirs.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	index   map[types.TimerRef]*wheelEntry
	fire    FireFunc
	timer   *time.Timer
	wake    chan struct{}
	stopCh  chan struct{}
	running bool
}

// NewWheel creates a Wheel that invokes fire for each entry as its
// deadline is reached.
func NewWheel(fire FireFunc) *Wheel {
	return &Wheel{
		index:  make(map[types.TimerRef]*wheelEntry),
		fire:   fire,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Arm inserts or reschedules ref to fire at fireAt.
func (w *Wheel) Arm(ref types.TimerRef, fireAt time.Time) {
	w.mu.Lock()
	if existing, ok := w.index[ref]; ok {
		existing.fireAt = fireAt
		heap.Fix(&w.heap, existing.index)
	} else {
		e := &wheelEntry{ref: ref, fireAt: fireAt}
		heap.Push(&w.heap, e)
		w.index[ref] = e
	}
	w.mu.Unlock()
	w.poke()
}

// Disarm removes ref from the wheel, if present.
func (w *Wheel) Disarm(ref types.TimerRef) {
	w.mu.Lock()
	if e, ok := w.index[ref]; ok {
		heap.Remove(&w.heap, e.index)
		delete(w.index, ref)
	}
	w.mu.Unlock()
	w.poke()
}

// Len reports the number of currently armed entries.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.Len()
}

func (w *Wheel) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins the wheel's firing loop. Calling Start on an already
// running wheel is a no-op.
func (w *Wheel) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	stop := w.stopCh
	w.mu.Unlock()

	go w.run(stop)
}

// Stop halts the firing loop without clearing armed entries, so a
// subsequent Start resumes from the same state.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop := w.stopCh
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	close(stop)
}

func (w *Wheel) run(stopCh chan struct{}) {
	for {
		w.mu.Lock()
		var wait time.Duration
		var due []*wheelEntry
		now := time.Now()

		for w.heap.Len() > 0 && !w.heap[0].fireAt.After(now) {
			e := heap.Pop(&w.heap).(*wheelEntry)
			delete(w.index, e.ref)
			due = append(due, e)
		}

		if w.heap.Len() > 0 {
			wait = w.heap[0].fireAt.Sub(now)
		} else {
			wait = time.Hour
		}
		w.mu.Unlock()

		for _, e := range due {
			w.fire(e.ref, e.fireAt)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}
