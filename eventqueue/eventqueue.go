// Package eventqueue implements the thread-safe, ordered, multi-producer
// single-consumer event queue shared by the timer set and any downstream
// protocol state machine. It never inspects the content of the events it
// carries.
package eventqueue

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is an opaque value the queue transports. Producers duplicate an
// event before handing it to the queue (Clone) and release their own copy
// once it is no longer needed (Destroy). The queue never calls either
// method itself; callers own that protocol.
type Event interface {
	// Clone returns a deep, independently destroyable copy of the event.
	Clone() Event
	// Destroy releases any resources the event holds. Idempotent destroy
	// is not required; callers destroy each clone exactly once.
	Destroy()
}

// Queue is a thread-safe FIFO of Events. Multiple producers may hold a
// reservation simultaneously (AddProducer/RemoveProducer track reservation
// count only, for lifetime bookkeeping by callers such as TimerSet); any
// number of goroutines may call Consume, in which case delivery order is
// preserved but a given event is delivered to exactly one consumer call.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     *list.List
	producers int
	closed    bool
	log       logrus.FieldLogger
}

// New creates an empty queue.
func New(log logrus.FieldLogger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	q := &Queue{items: list.New(), log: log}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddProducer registers the caller as a producer. Queues track only a
// count, so that a TimerSet (or any other producer) can assert it held a
// reservation across its own lifetime; nothing here enforces identity.
func (q *Queue) AddProducer() {
	q.mu.Lock()
	q.producers++
	q.mu.Unlock()
}

// RemoveProducer releases a producer reservation taken by AddProducer.
func (q *Queue) RemoveProducer() {
	q.mu.Lock()
	if q.producers > 0 {
		q.producers--
	}
	q.mu.Unlock()
}

// Produce appends ev to the tail of the queue and wakes one waiting
// consumer, if any.
func (q *Queue) Produce(ev Event) {
	q.mu.Lock()
	q.items.PushBack(ev)
	q.mu.Unlock()
	q.cond.Signal()
}

// Consume blocks until an event is available or the queue is closed, and
// returns (ev, true) or (nil, false) respectively.
func (q *Queue) Consume() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.(Event), true
}

// TryConsume is the non-blocking form of Consume.
func (q *Queue) TryConsume() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.(Event), true
}

// DeleteEqual removes every queued event equal to ev (via ==, which for
// Event implementations is expected to be identity comparison on a
// pointer-shaped type) and returns the count removed. This is the
// primitive TimerSet's abort_elapsed relies on to cancel an in-flight
// firing: it depends on the duplicate produced by the worker being the
// same identity compared here.
func (q *Queue) DeleteEqual(ev Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	var next *list.Element
	for e := q.items.Front(); e != nil; e = next {
		next = e.Next()
		if e.Value.(Event) == ev {
			q.items.Remove(e)
			removed++
		}
	}
	return removed
}

// Len reports the number of currently queued, unconsumed events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close unblocks all pending and future Consume calls. Further Produce
// calls after Close still append to the list (Close does not stop
// production; it only signals that no further blocking wait will occur),
// matching the "consumer close not specified" note in spec.md §6.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
