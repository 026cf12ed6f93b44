package eventqueue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/kienpl96/kannel/eventqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// intEvent is a minimal Event for tests: a pointer-identity value so
// DeleteEqual's == comparison behaves like the identity comparison
// spec.md §9 requires of the duplicate produced by a timer firing.
type intEvent struct {
	v         int
	destroyed bool
}

func (e *intEvent) Clone() eventqueue.Event { return &intEvent{v: e.v} }
func (e *intEvent) Destroy()                { e.destroyed = true }

func TestProduceConsumeOrder(t *testing.T) {
	q := eventqueue.New(nil)
	q.AddProducer()
	defer q.RemoveProducer()

	for i := 0; i < 5; i++ {
		q.Produce(&intEvent{v: i})
	}
	for i := 0; i < 5; i++ {
		ev, ok := q.TryConsume()
		require.True(t, ok)
		require.Equal(t, i, ev.(*intEvent).v)
	}
	_, ok := q.TryConsume()
	assert.False(t, ok)
}

func TestDeleteEqualRemovesByIdentity(t *testing.T) {
	q := eventqueue.New(nil)
	a := &intEvent{v: 1}
	b := &intEvent{v: 1} // same value, different identity
	q.Produce(a)
	q.Produce(b)

	removed := q.DeleteEqual(a)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, q.Len())

	ev, ok := q.TryConsume()
	require.True(t, ok)
	assert.Same(t, b, ev)
}

func TestDeleteEqualNoMatchReturnsZero(t *testing.T) {
	q := eventqueue.New(nil)
	a := &intEvent{v: 1}
	q.Produce(a)
	removed := q.DeleteEqual(&intEvent{v: 1})
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, q.Len())
}

func TestConsumeBlocksUntilProduce(t *testing.T) {
	q := eventqueue.New(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	var got eventqueue.Event
	go func() {
		defer wg.Done()
		ev, ok := q.Consume()
		if ok {
			got = ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Produce(&intEvent{v: 42})
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, 42, got.(*intEvent).v)
}

func TestCloseUnblocksConsume(t *testing.T) {
	q := eventqueue.New(nil)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Consume()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Consume did not unblock after Close")
	}
}
