// Package osthread implements the "Thread Primitives" external
// collaborator from spec.md §1: spawn/join, sleep with wake-up, and a
// blocking wait-for-fd-ready with timeout. Go's runtime schedules
// goroutines rather than OS threads, but the contract spec.md asks for —
// spawn, join, interruptible sleep, poll(2) on a single fd — maps
// directly onto goroutines, channels, and a raw unix.Poll syscall, the
// same primitive _examples/other_examples/b22671cf_trpc-group-tnet__internal-poller-poller_epoll.go.go
// and _examples/other_examples/1898e4fc_panlibin-gnet__internal-netpoll-epoll.go.go
// build their epoll wrappers on top of (golang.org/x/sys/unix).
package osthread

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ID identifies a spawned goroutine for Join/Wakeup purposes.
type ID uint64

// Handle is the joinable, wakeable reference returned by Spawn.
type Handle struct {
	id     ID
	done   chan struct{}
	wakeMu sync.Mutex
	wakeCh chan struct{}
}

var idCounter uint64
var idCounterMu sync.Mutex

func nextID() ID {
	idCounterMu.Lock()
	defer idCounterMu.Unlock()
	idCounter++
	return ID(idCounter)
}

// Spawn runs fn in a new goroutine and returns a handle to join or wake it.
// fn receives the handle so it can call SleepInterruptible/WaitWakeupForever
// on itself.
func Spawn(fn func(h *Handle)) *Handle {
	h := &Handle{
		id:     nextID(),
		done:   make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
	go func() {
		defer close(h.done)
		fn(h)
	}()
	return h
}

// ID returns the handle's identifier.
func (h *Handle) ID() ID { return h.id }

// Join blocks until the spawned function returns.
func (h *Handle) Join() {
	<-h.done
}

// Wakeup interrupts a pending SleepInterruptible/WaitWakeupForever on this
// handle. It is
// non-blocking and coalesces: multiple wakeups before the sleeper observes
// one are collapsed into a single wake, matching the worker's "wake and
// re-evaluate" contract in spec.md §4.1 rather than a counted semaphore.
func (h *Handle) Wakeup() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// SleepInterruptible blocks for d, or until Wakeup is called, whichever
// comes first. Returns true if it returned because of a wake-up rather
// than the timer elapsing.
func (h *Handle) SleepInterruptible(d time.Duration) (woken bool) {
	if d <= 0 {
		select {
		case <-h.wakeCh:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.wakeCh:
		return true
	case <-t.C:
		return false
	}
}

// WaitWakeupForever blocks until Wakeup is called, with no timeout. Used
// by the timer worker when its heap is empty (spec.md §4.1).
func (h *Handle) WaitWakeupForever() {
	<-h.wakeCh
}

// PollFD blocks for up to timeout waiting for fd to become ready for the
// interest events in mask (unix.POLLIN / unix.POLLOUT, bitwise-ORed), the
// Go-level equivalent of spec.md §6's thread-pollfd(fd, interest, seconds).
// Returns the observed revents, or -1 with err set on failure. A negative
// timeout blocks indefinitely.
//
// unix.EINTR is returned to the caller rather than retried internally:
// raw unix.Poll calls made outside the Go netpoller are a real target of
// the runtime's own SIGURG async-preemption signal, so retrying in a loop
// with the original timeout would silently stretch the call well past
// the caller's requested bound. conn.Wait and conn.Flush both want to
// observe EINTR as their own status (spec.md §4.2/§9) rather than have it
// swallowed here, so this is a single poll(2) call, not a retry loop.
func PollFD(fd int, mask int16, timeout time.Duration) (revents int16, err error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: mask}}
	n, perr := unix.Poll(fds, ms)
	if perr != nil {
		return -1, perr
	}
	if n == 0 {
		return 0, nil
	}
	return fds[0].Revents, nil
}

// Sleep blocks for d with no way to interrupt it early; a thin wrapper
// kept for symmetry with spec.md §6's thread-sleep primitive where no
// handle is available.
func Sleep(d time.Duration) {
	time.Sleep(d)
}
