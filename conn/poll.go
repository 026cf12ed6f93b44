package conn

import (
	"time"

	"github.com/kienpl96/kannel/fdmux"
	"github.com/kienpl96/kannel/internal/osthread"
	"golang.org/x/sys/unix"
)

// pollFD forwards to osthread.PollFD unchanged (both take a Duration),
// the Go form of spec.md §6's thread-pollfd(fd, interest, seconds). A
// negative timeout blocks indefinitely.
func pollFD(fd int, mask int16, timeout time.Duration) (int16, error) {
	return osthread.PollFD(fd, mask, timeout)
}

// Register binds c to mux with cb/data as the readiness callback,
// computing initial interest as POLLIN (unless already at EOF/error)
// unioned with POLLOUT (iff output is already buffered). Re-registering
// to the same mux idempotently rebinds the callback; registering to a
// different mux while already registered fails (spec.md §4.2 register).
func (c *Connection) Register(mux *fdmux.Multiplexer, cb Callback, data interface{}) Status {
	c.lockBoth()
	defer c.unlockBoth()

	if c.registered {
		if c.mux != mux {
			return Error
		}
		c.callback = cb
		c.callbackData = data
		return OK
	}

	wantIn := !(c.readEOF || c.readErr != nil)
	wantOut := c.outbuf.Len()-c.outbufStart > 0
	var mask int16
	if wantIn {
		mask |= fdmux.Readable
	}
	if wantOut {
		mask |= fdmux.Writable
	}

	if err := mux.Register(c.fd, mask, c.pollCallback, nil); err != nil {
		return Error
	}

	c.mux = mux
	c.registered = true
	c.callback = cb
	c.callbackData = data
	c.listeningPollIn.Store(wantIn)
	c.listeningPollOut.Store(wantOut)
	return OK
}

// Unregister clears registration and listening flags and unregisters
// from the fdset (spec.md §4.2 unregister).
func (c *Connection) Unregister() {
	c.lockBoth()
	defer c.unlockBoth()
	if !c.registered {
		return
	}
	c.mux.Unregister(c.fd)
	c.registered = false
	c.listeningPollIn.Store(false)
	c.listeningPollOut.Store(false)
	c.mux = nil
	c.callback = nil
	c.callbackData = nil
}

// pollCallback is the internal fdmux.Callback bound at Register time: on
// POLLOUT it drives the write drain (which self-adjusts POLLOUT
// interest); on POLLIN it tops up inbuf and invokes the user callback
// (spec.md §4.2 poll_callback).
func (c *Connection) pollCallback(fd int, revents int16, _ interface{}) {
	if c.fd != fd {
		return
	}
	if revents&fdmux.Writable != 0 {
		c.tryWrite()
	}
	if revents&fdmux.Readable != 0 {
		c.lockInput()
		c.readIntoInbufLocked()
		cb, data := c.callback, c.callbackData
		c.unlockInput()
		if cb != nil {
			cb(c, data)
		}
	}
}

// Wait is a helper for non-registered use: it first attempts a
// non-blocking drain, returning OK immediately if that made progress.
// Otherwise it blocks on poll(2) for up to timeout, waking on
// readability/writability and dispatching internally. Returns OK on
// progress, Partial on timeout, Error on failure; EINTR during the poll
// is treated as OK (spec.md §4.2 wait). A negative timeout blocks
// indefinitely.
func (c *Connection) Wait(timeout time.Duration) Status {
	c.lockOutput()
	_, wrote := c.tryWriteLocked()
	bufferedOut := c.outbuf.Len()-c.outbufStart > 0
	c.unlockOutput()
	if wrote > 0 {
		return OK
	}

	c.lockInput()
	terminal := c.readEOF || c.readErr != nil
	c.unlockInput()

	var mask int16
	if bufferedOut {
		mask |= unix.POLLOUT
	}
	if !terminal {
		mask |= unix.POLLIN
	}
	if mask == 0 {
		return OK
	}

	revents, err := pollFD(c.fd, mask, timeout)
	if err == unix.EINTR {
		return OK
	}
	if err != nil {
		return Error
	}
	if revents == 0 {
		return Partial
	}

	if revents&unix.POLLOUT != 0 {
		c.tryWrite()
	}
	if revents&unix.POLLIN != 0 {
		c.lockInput()
		c.readIntoInbufLocked()
		c.unlockInput()
	}
	return OK
}
