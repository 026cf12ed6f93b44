package conn

import (
	"encoding/binary"

	"github.com/kienpl96/kannel/fdmux"
	"golang.org/x/sys/unix"
)

// Write appends p to the output buffer and attempts a non-blocking drain
// (spec.md §4.2 write/write_data — Go slices already carry their own
// length, so the two collapse into a single operation here).
func (c *Connection) Write(p []byte) Status {
	c.lockOutput()
	defer c.unlockOutput()
	c.outbuf.Append(p)
	c.metrics.SetOutbufBytes(float64(len(p)))
	status, _ := c.tryWriteLocked()
	return status
}

// WriteWithLength prepends a 4-byte big-endian length prefix to p, then
// behaves like Write (spec.md §4.2 write_with_length).
func (c *Connection) WriteWithLength(p []byte) Status {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(p)))

	c.lockOutput()
	defer c.unlockOutput()
	c.outbuf.Append(lenPrefix[:])
	c.outbuf.Append(p)
	c.metrics.SetOutbufBytes(float64(len(p) + 4))
	status, _ := c.tryWriteLocked()
	return status
}

// Flush blocks until the output buffer is fully drained, whatever the
// output-buffering threshold (spec.md §4.2).
func (c *Connection) Flush() Status {
	for {
		c.lockOutput()
		threshold := c.outputBufferingThreshold
		c.outputBufferingThreshold = 0
		status, _ := c.tryWriteLocked()
		c.outputBufferingThreshold = threshold
		remaining := c.outbuf.Len() - c.outbufStart
		c.unlockOutput()

		if status == Error {
			return Error
		}
		if remaining == 0 {
			return OK
		}

		_, err := pollFD(c.fd, unix.POLLOUT, -1)
		if err == unix.EINTR {
			return Partial
		}
		if err != nil {
			return Error
		}
	}
}

// SetOutputBuffering updates the buffering threshold, draining
// immediately if the new threshold is already met or exceeded by the
// currently buffered bytes (spec.md §4.2 set_output_buffering).
func (c *Connection) SetOutputBuffering(threshold uint32) {
	c.lockOutput()
	c.outputBufferingThreshold = threshold
	buffered := uint32(c.outbuf.Len() - c.outbufStart)
	shouldDrain := buffered >= threshold
	if shouldDrain {
		c.tryWriteLocked()
	}
	c.unlockOutput()
}

// tryWrite acquires the output lock and drains once.
func (c *Connection) tryWrite() Status {
	c.lockOutput()
	defer c.unlockOutput()
	status, _ := c.tryWriteLocked()
	return status
}

// tryWriteLocked is spec.md §4.2's try_write drain algorithm, grounded on
// xtaci/gaio's tryWrite (_examples/socket515-gaio/watcher.go): a single
// non-blocking write of all buffered bytes, EAGAIN/EINTR treated as zero
// bytes written rather than an error, and prefix-compaction once more
// than half the buffer has been consumed. Must be called with outputMu
// held (or claimed). Returns the status and the number of bytes actually
// written by this call (0 if none, e.g. below threshold or EAGAIN).
func (c *Connection) tryWriteLocked() (Status, int) {
	if c.writeErr != nil {
		return Error, 0
	}

	buffered := c.outbuf.Len() - c.outbufStart
	if uint32(buffered) < c.outputBufferingThreshold {
		return Partial, 0
	}
	if buffered == 0 {
		c.adjustPollOutLocked()
		return OK, 0
	}

	n, err := unix.Write(c.fd, c.outbuf.Slice(c.outbufStart, c.outbuf.Len()))

	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			n = 0
		} else {
			c.writeErr = err
			c.metrics.IncWriteErrors()
			c.adjustPollOutLocked()
			return Error, 0
		}
	}

	c.metrics.AddBytesWritten(n)
	if n > 0 {
		c.metrics.SetOutbufBytes(-float64(n))
		c.outbufStart += n
		if c.outbufStart > c.outbuf.Len()/2 {
			c.outbuf.DeletePrefix(c.outbufStart)
			c.outbufStart = 0
		}
	}

	c.adjustPollOutLocked()
	if c.outbuf.Len()-c.outbufStart > 0 {
		return Partial, n
	}
	return OK, n
}

// adjustPollOutLocked sets POLLOUT interest iff bytes remain buffered,
// per spec.md §3 invariant 5. Must be called with outputMu held.
func (c *Connection) adjustPollOutLocked() {
	if !c.registered {
		return
	}
	want := c.outbuf.Len()-c.outbufStart > 0
	if c.listeningPollOut.Swap(want) != want {
		c.mux.SetInterest(c.fd, fdmux.Writable, want)
	}
}
