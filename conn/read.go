package conn

import (
	"encoding/binary"

	"github.com/kienpl96/kannel/fdmux"
	"golang.org/x/sys/unix"
)

const readChunkSize = 4096

// readIntoInbufLocked performs one non-blocking read of up to 4096 bytes,
// first compacting away the already-consumed prefix (spec.md §4.2's
// read_into_inbuf), grounded on xtaci/gaio's tryRead
// (_examples/socket515-gaio/watcher.go): EAGAIN/EINTR are silently
// ignored, a zero-length read sets the sticky EOF flag, any other error
// sets the sticky read error. Must be called with inputMu held (or
// claimed).
func (c *Connection) readIntoInbufLocked() {
	if c.readEOF || c.readErr != nil {
		return
	}
	if c.inbufStart > 0 {
		c.inbuf.DeletePrefix(c.inbufStart)
		c.inbufStart = 0
	}

	chunk := make([]byte, readChunkSize)
	n, err := unix.Read(c.fd, chunk)

	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.readErr = err
		c.metrics.IncReadErrors()
		c.adjustPollInLocked()
		return
	}
	if n == 0 {
		c.readEOF = true
		c.adjustPollInLocked()
		return
	}

	c.metrics.AddBytesRead(n)
	c.inbuf.Append(chunk[:n])
}

// adjustPollInLocked clears POLLIN interest once the connection has hit
// a terminal read state (spec.md §3 invariant 5). Must be called with
// inputMu held.
func (c *Connection) adjustPollInLocked() {
	if !c.registered {
		return
	}
	want := !(c.readEOF || c.readErr != nil)
	if c.listeningPollIn.Swap(want) != want {
		c.mux.SetInterest(c.fd, fdmux.Readable, want)
	}
}

// readFramedLocked implements the shared "try to satisfy from inbuf; on
// insufficient data, attempt exactly one more read_into_inbuf and retry
// once" contract all framed reads share (spec.md §4.2). Must be called
// with inputMu held.
func (c *Connection) readFramedLocked(parse func() ([]byte, bool)) ([]byte, bool) {
	if payload, ok := parse(); ok {
		return payload, true
	}
	c.readIntoInbufLocked()
	return parse()
}

func (c *Connection) copyInbuf(from, to int) []byte {
	src := c.inbuf.Slice(from, to)
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// ReadEverything returns all currently available input bytes, or nil,
// false if none are buffered (spec.md §4.2 read_everything).
func (c *Connection) ReadEverything() ([]byte, bool) {
	c.lockInput()
	defer c.unlockInput()
	return c.readFramedLocked(func() ([]byte, bool) {
		if c.inbuf.Len()-c.inbufStart == 0 {
			return nil, false
		}
		data := c.copyInbuf(c.inbufStart, c.inbuf.Len())
		c.inbufStart = c.inbuf.Len()
		return data, true
	})
}

// ReadFixed returns exactly n bytes, or nil, false if not yet available
// (spec.md §4.2 read_fixed).
func (c *Connection) ReadFixed(n int) ([]byte, bool) {
	c.lockInput()
	defer c.unlockInput()
	return c.readFramedLocked(func() ([]byte, bool) {
		if c.inbuf.Len()-c.inbufStart < n {
			return nil, false
		}
		data := c.copyInbuf(c.inbufStart, c.inbufStart+n)
		c.inbufStart += n
		return data, true
	})
}

// ReadLine returns the bytes up to (not including) the next LF, stripping
// a trailing CR immediately before it. Returns nil, false if no LF is yet
// available (spec.md §4.2 read_line).
func (c *Connection) ReadLine() ([]byte, bool) {
	c.lockInput()
	defer c.unlockInput()
	return c.readFramedLocked(func() ([]byte, bool) {
		idx := c.inbuf.IndexByte(c.inbufStart, '\n')
		if idx < 0 {
			return nil, false
		}
		end := idx
		if end > c.inbufStart && c.inbuf.Slice(end-1, end)[0] == '\r' {
			end--
		}
		line := c.copyInbuf(c.inbufStart, end)
		c.inbufStart = idx + 1
		return line, true
	})
}

// ReadWithLength expects a 4-byte big-endian length followed by that many
// payload bytes. A negative decoded length is corruption: the 4 bytes are
// discarded and framing resumes at the next 4 bytes, all within the same
// attempt (spec.md §4.2 read_with_length).
func (c *Connection) ReadWithLength() ([]byte, bool) {
	c.lockInput()
	defer c.unlockInput()
	return c.readFramedLocked(func() ([]byte, bool) {
		for {
			avail := c.inbuf.Len() - c.inbufStart
			if avail < 4 {
				return nil, false
			}
			length := int32(binary.BigEndian.Uint32(c.inbuf.Slice(c.inbufStart, c.inbufStart+4)))
			if length < 0 {
				c.inbufStart += 4
				continue
			}
			total := 4 + int(length)
			if avail < total {
				return nil, false
			}
			payload := c.copyInbuf(c.inbufStart+4, c.inbufStart+total)
			c.inbufStart += total
			return payload, true
		}
	})
}

// ReadPacket scans for the next startMark, discarding everything before
// it (or the entire buffer if startMark never appears), then scans for
// the next endMark after it, returning the inclusive [startMark..endMark]
// substring. Returns nil, false (having still discarded the dead prefix)
// if endMark has not yet arrived (spec.md §4.2 read_packet).
func (c *Connection) ReadPacket(startMark, endMark byte) ([]byte, bool) {
	c.lockInput()
	defer c.unlockInput()
	return c.readFramedLocked(func() ([]byte, bool) {
		startIdx := c.inbuf.IndexByte(c.inbufStart, startMark)
		if startIdx < 0 {
			c.inbufStart = c.inbuf.Len()
			return nil, false
		}
		c.inbufStart = startIdx

		endIdx := c.inbuf.IndexByte(c.inbufStart+1, endMark)
		if endIdx < 0 {
			return nil, false
		}
		packet := c.copyInbuf(c.inbufStart, endIdx+1)
		c.inbufStart = endIdx + 1
		return packet, true
	})
}
