package timerset

import (
	"sync"
	"testing"
	"time"

	"github.com/kienpl96/kannel/eventqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringEvent struct {
	v string
}

func (e *stringEvent) Clone() eventqueue.Event { return &stringEvent{v: e.v} }
func (e *stringEvent) Destroy()                {}

// fakeClock is an injectable clock, advanced explicitly by tests so the
// worker's one-second granularity doesn't force real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitForLen polls q.Len() until it matches want or times out, since the
// worker goroutine runs asynchronously.
func waitForLen(t *testing.T, q *eventqueue.Queue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, q.Len())
}

// Scenario 1 (spec.md §8): timer_start(t, 1, E); wait; observe exactly
// one event equal to E.
func TestScenario1_FiresOnce(t *testing.T) {
	q := eventqueue.New(nil)
	clk := newFakeClock()
	ts := New(q, WithClock(clk.Now))
	defer ts.Close()

	timer := ts.NewTimer()
	defer timer.Destroy()

	timer.Start(time.Second, &stringEvent{v: "E"})
	clk.Advance(2 * time.Second)
	ts.worker.Wakeup()

	waitForLen(t, q, 1)
	ev, ok := q.TryConsume()
	require.True(t, ok)
	assert.Equal(t, "E", ev.(*stringEvent).v)
}

// Scenario 2: timer_start(t, 10, E); immediate timer_stop(t); queue
// stays empty even after the deadline would have elapsed.
func TestScenario2_StopBeforeFireLeavesQueueEmpty(t *testing.T) {
	q := eventqueue.New(nil)
	clk := newFakeClock()
	ts := New(q, WithClock(clk.Now))
	defer ts.Close()

	timer := ts.NewTimer()
	defer timer.Destroy()

	timer.Start(10*time.Second, &stringEvent{v: "E"})
	timer.Stop()

	clk.Advance(12 * time.Second)
	ts.worker.Wakeup()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, q.Len())
}

// Scenario 3: timer_start(t, 10, E); after 1s, timer_start(t, 1, E) —
// only one copy is ever produced, at the shorter deadline.
func TestScenario3_RestartWithShorterIntervalFiresOnce(t *testing.T) {
	q := eventqueue.New(nil)
	clk := newFakeClock()
	ts := New(q, WithClock(clk.Now))
	defer ts.Close()

	timer := ts.NewTimer()
	defer timer.Destroy()

	timer.Start(10*time.Second, &stringEvent{v: "E"})
	clk.Advance(time.Second)
	timer.Start(time.Second, nil) // reuses existing template
	clk.Advance(2 * time.Second)
	ts.worker.Wakeup()

	waitForLen(t, q, 1)
	ev, ok := q.TryConsume()
	require.True(t, ok)
	assert.Equal(t, "E", ev.(*stringEvent).v)
}

// Round-trip law (spec.md §8): timer_start(t, 0); consume; timer_start(t,
// 0) again yields exactly two produced events.
func TestStartZeroTwiceProducesExactlyTwoEvents(t *testing.T) {
	q := eventqueue.New(nil)
	clk := newFakeClock()
	ts := New(q, WithClock(clk.Now))
	defer ts.Close()

	timer := ts.NewTimer()
	defer timer.Destroy()

	timer.Start(0, &stringEvent{v: "E"})
	ts.worker.Wakeup()
	waitForLen(t, q, 1)
	_, ok := q.TryConsume()
	require.True(t, ok)

	timer.Start(0, nil)
	ts.worker.Wakeup()
	waitForLen(t, q, 1)
	_, ok = q.TryConsume()
	require.True(t, ok)

	assert.Equal(t, 0, q.Len())
}

// Boundary: timer_start then immediate timer_stop before the worker wakes
// leaves the output queue unchanged, exercised with the real clock and
// no manual wake, to catch any premature production.
func TestStopImmediatelyNeverWakesQueue(t *testing.T) {
	q := eventqueue.New(nil)
	ts := New(q)
	defer ts.Close()

	timer := ts.NewTimer()
	defer timer.Destroy()

	timer.Start(time.Hour, &stringEvent{v: "E"})
	timer.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestStartWithoutEventOrTemplatePanics(t *testing.T) {
	q := eventqueue.New(nil)
	ts := New(q)
	defer ts.Close()

	timer := ts.NewTimer()
	defer timer.Destroy()

	assert.Panics(t, func() {
		timer.Start(time.Second, nil)
	})
}

func TestDestroyNilTimerSetIsNoop(t *testing.T) {
	var ts *TimerSet
	assert.NotPanics(t, func() { ts.Close() })
}
