// Package timerset implements the Timer Set core described in spec.md
// §3–4.1: a min-heap of pending timers served by a dedicated background
// goroutine that produces expiry events into an eventqueue.Queue.
//
// It is grounded directly on xtaci/gaio's own timeout machinery
// (_examples/socket515-gaio/watcher.go): the same container/heap
// discipline, the same index-in-slot invariant (aiocb.idx there,
// Timer.heapSlot here), and the same worker-loop shape — a select over a
// deadline timer and a wake channel, re-evaluated every time the root
// changes (gaio's `case <-w.timer.C` branch against `w.timer.Reset`,
// generalized here into an interruptible sleep via osthread.Handle).
package timerset

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kienpl96/kannel/eventqueue"
	"github.com/kienpl96/kannel/internal/osthread"
	"github.com/kienpl96/kannel/metrics"
	"github.com/sirupsen/logrus"
)

// Timer is a single armable deadline bound to one TimerSet. The zero
// value is never valid; obtain one via TimerSet.NewTimer.
type Timer struct {
	owner *TimerSet

	// elapsesAt is a unix-seconds deadline; the timer is inactive iff
	// active is false (spec.md §3 invariant 1 restated over a bool
	// rather than an Option, since Go has no natural "unset int64").
	elapsesAt int64
	active    bool

	template eventqueue.Event
	inFlight eventqueue.Event

	// heapSlot mirrors the timer's current index in owner.heap, or -1
	// when not in the heap. Maintained exclusively by timerHeap's
	// Push/Pop/Swap under owner.mu.
	heapSlot int
}

// TimerSet owns a heap of pending timers and a single worker goroutine
// that drains it into an eventqueue.Queue as timers elapse.
type TimerSet struct {
	mu   sync.Mutex
	heap timerHeap

	stopping atomic.Bool
	queue    *eventqueue.Queue
	worker   *osthread.Handle

	log     logrus.FieldLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates a TimerSet producing into queue: it reserves a producer
// slot on the queue and spawns the worker goroutine (spec.md §4.1
// create). queue must not be nil.
func New(queue *eventqueue.Queue, opts ...Option) *TimerSet {
	ts := &TimerSet{
		queue: queue,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(ts)
	}
	ts.queue.AddProducer()
	ts.worker = osthread.Spawn(ts.runWorker)
	return ts
}

// Close stops every active timer, signals the worker to exit, joins it,
// and releases the queue producer reservation (spec.md §4.1 destroy).
// Calling Close on a nil *TimerSet is a no-op, matching the "destroy is
// safe to call with a null set" failure-model note in spec.md §4.1.
func (ts *TimerSet) Close() {
	if ts == nil {
		return
	}
	ts.mu.Lock()
	for ts.heap.Len() > 0 {
		t := ts.heap[0]
		heap.Remove(&ts.heap, 0)
		t.active = false
		t.elapsesAt = 0
		ts.abortElapsedLocked(t)
	}
	ts.mu.Unlock()

	ts.stopping.Store(true)
	ts.worker.Wakeup()
	ts.worker.Join()
	ts.queue.RemoveProducer()
}

// NewTimer allocates an inactive timer bound to ts (spec.md §4.1
// timer_create).
func (ts *TimerSet) NewTimer() *Timer {
	return &Timer{owner: ts, heapSlot: -1}
}

// Destroy stops t and releases its template event (spec.md §4.1
// timer_destroy). Calling Destroy on a nil *Timer is a no-op.
func (t *Timer) Destroy() {
	if t == nil {
		return
	}
	t.Stop()
	ts := t.owner
	ts.mu.Lock()
	if t.template != nil {
		t.template.Destroy()
		t.template = nil
	}
	ts.mu.Unlock()
}

// Start (re)arms t to fire interval from now, rounded down to whole
// seconds (the timer granularity is whole seconds per spec.md §1's
// Non-goals). If ev is non-nil it replaces the template event, releasing
// the previous one; if ev is nil, t must already carry a template — this
// is a caller contract violation otherwise and panics, matching the
// "fatal program error" treatment spec.md §7 gives to other precondition
// violations such as double-claim.
func (t *Timer) Start(interval time.Duration, ev eventqueue.Event) {
	ts := t.owner
	ts.mu.Lock()

	wasInactive := !t.active

	if ev != nil {
		if t.template != nil {
			t.template.Destroy()
		}
		t.template = ev
	} else if t.template == nil {
		ts.mu.Unlock()
		panic("timerset: timer_start called with no event and no existing template")
	}

	if wasInactive {
		ts.abortElapsedLocked(t)
	}

	if t.active {
		heap.Remove(&ts.heap, t.heapSlot)
		t.active = false
	}

	seconds := int64(interval / time.Second)
	if interval > 0 && seconds == 0 {
		seconds = 0 // sub-second intervals still fire on the next tick
	}
	t.elapsesAt = ts.now().Unix() + seconds
	t.active = true
	heap.Push(&ts.heap, t)

	ts.metrics.IncTimersStarted()
	wakeWorker := t.heapSlot == 0
	ts.mu.Unlock()

	if wakeWorker {
		ts.worker.Wakeup()
	}
}

// Stop removes t from the heap if present and cancels any in-flight
// firing (spec.md §4.1 timer_stop).
func (t *Timer) Stop() {
	ts := t.owner
	ts.mu.Lock()
	if t.active {
		heap.Remove(&ts.heap, t.heapSlot)
		t.active = false
		t.elapsesAt = 0
	}
	ts.abortElapsedLocked(t)
	ts.mu.Unlock()
}

// abortElapsedLocked implements spec.md §4.1's abort_elapsed: it removes
// any prior duplicate of t's template from the output queue by identity
// and, only if something was actually removed, releases that duplicate.
// Must be called with ts.mu held.
func (ts *TimerSet) abortElapsedLocked(t *Timer) {
	if t.inFlight == nil {
		return
	}
	removed := ts.queue.DeleteEqual(t.inFlight)
	if removed > 0 {
		t.inFlight.Destroy()
		ts.metrics.IncTimersCancelled()
	}
	t.inFlight = nil
}

// runWorker is the worker goroutine body spawned by New. It mirrors
// gaio's loop() select over a deadline timer and a pending-work wake
// channel (_examples/socket515-gaio/watcher.go), generalized to a single
// heap rather than gaio's per-connection timeout list.
func (ts *TimerSet) runWorker(h *osthread.Handle) {
	ts.log.Debug("timerset: worker starting")
	defer ts.log.Debug("timerset: worker stopped")
	for {
		if ts.stopping.Load() {
			return
		}

		ts.mu.Lock()
		if ts.heap.Len() == 0 {
			ts.mu.Unlock()
			h.WaitWakeupForever()
			continue
		}

		top := ts.heap[0]
		now := ts.now().Unix()
		if top.elapsesAt <= now {
			heap.Pop(&ts.heap)
			top.active = false
			top.elapsesAt = 0
			dup := top.template.Clone()
			top.inFlight = dup
			ts.queue.Produce(dup)
			ts.metrics.IncTimersFired()
			ts.mu.Unlock()
			ts.log.WithField("elapsed_at", now).Debug("timerset: timer elapsed, event produced")
			continue
		}

		wait := time.Duration(top.elapsesAt-now) * time.Second
		ts.mu.Unlock()
		h.SleepInterruptible(wait)
	}
}
