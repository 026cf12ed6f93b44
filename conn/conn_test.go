package conn_test

import (
	"syscall"
	"testing"
	"time"

	"github.com/kienpl96/kannel/conn"
	"github.com/kienpl96/kannel/fdmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketpair returns two connected, non-blocking Connections wrapping a
// unix socketpair, the same fixture style
// _examples/socket515-gaio/aio_test.go's echoServer uses for a live
// loopback (there via net.Listen/net.Dial; here via syscall.Socketpair
// to test raw fd wrapping without a TCP stack).
func socketpair(t *testing.T) (*conn.Connection, *conn.Connection) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	a, err := conn.WrapFD(fds[0], conn.Options{})
	require.NoError(t, err)
	b, err := conn.WrapFD(fds[1], conn.Options{})
	require.NoError(t, err)

	t.Cleanup(func() {
		a.Destroy()
		b.Destroy()
	})
	return a, b
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// Round-trip law: write(X); read_fixed(len(X)) yields X.
func TestWriteReadFixedRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	status := a.Write([]byte("HELLO"))
	assert.Equal(t, conn.OK, status)

	waitUntil(t, time.Second, func() bool {
		b.Wait(10 * time.Millisecond)
		return b.InbufLen() >= 5
	})

	data, ok := b.ReadFixed(5)
	require.True(t, ok)
	assert.Equal(t, "HELLO", string(data))
}

// Scenario 4 (spec.md §8): write_with_length/read_with_length round trip,
// with read_with_length returning nil until the full frame has arrived.
func TestWriteWithLengthReadWithLength(t *testing.T) {
	a, b := socketpair(t)

	_, ok := b.ReadWithLength()
	assert.False(t, ok)

	status := a.WriteWithLength([]byte("HELLO"))
	assert.Equal(t, conn.OK, status)

	var payload []byte
	waitUntil(t, time.Second, func() bool {
		b.Wait(10 * time.Millisecond)
		payload, ok = b.ReadWithLength()
		return ok
	})
	assert.Equal(t, "HELLO", string(payload))
}

// Scenario 5: line1\nline2\r\nline3 (no trailing LF) — read_line strips
// CRLF and LF, and the dangling "line3" never surfaces until a LF
// arrives.
func TestReadLineStripsCRAndWaitsForLF(t *testing.T) {
	a, b := socketpair(t)

	status := a.Write([]byte("line1\nline2\r\nline3"))
	assert.Equal(t, conn.OK, status)

	var first, second []byte
	var ok1, ok2 bool
	waitUntil(t, time.Second, func() bool {
		b.Wait(10 * time.Millisecond)
		if !ok1 {
			first, ok1 = b.ReadLine()
		}
		if ok1 && !ok2 {
			second, ok2 = b.ReadLine()
		}
		return ok1 && ok2
	})
	assert.Equal(t, "line1", string(first))
	assert.Equal(t, "line2", string(second))

	_, ok3 := b.ReadLine()
	assert.False(t, ok3, "no trailing LF yet, read_line must return nil without consuming")
}

// Negative length prefix is corruption: the 4 bytes are dropped and
// framing resumes at the next 4 bytes.
func TestReadWithLengthDiscardsCorruptPrefix(t *testing.T) {
	a, b := socketpair(t)

	var corrupt [4]byte
	corrupt[0] = 0x80 // top bit set -> negative once reinterpreted as int32
	status := a.Write(corrupt[:])
	require.Equal(t, conn.OK, status)
	status = a.WriteWithLength([]byte("OK"))
	require.Equal(t, conn.OK, status)

	var payload []byte
	var ok bool
	waitUntil(t, time.Second, func() bool {
		b.Wait(10 * time.Millisecond)
		payload, ok = b.ReadWithLength()
		return ok
	})
	assert.Equal(t, "OK", string(payload))
}

func TestReadPacketDelimitedFrame(t *testing.T) {
	a, b := socketpair(t)

	status := a.Write([]byte("garbage\x02payload\x03more"))
	require.Equal(t, conn.OK, status)

	var packet []byte
	var ok bool
	waitUntil(t, time.Second, func() bool {
		b.Wait(10 * time.Millisecond)
		packet, ok = b.ReadPacket(0x02, 0x03)
		return ok
	})
	assert.Equal(t, "\x02payload\x03", string(packet))
}

func TestDoubleClaimPanics(t *testing.T) {
	a, _ := socketpair(t)
	a.Claim()
	assert.Panics(t, func() { a.Claim() })
}

func TestEofIsSticky(t *testing.T) {
	a, b := socketpair(t)
	a.Destroy()

	waitUntil(t, time.Second, func() bool {
		b.Wait(10 * time.Millisecond)
		return b.Eof()
	})
	assert.True(t, b.Eof())
	_, ok := b.ReadEverything()
	assert.False(t, ok)
}

// Scenario 6: register with a multiplexer; 100 bytes arriving in 10
// chunks are delivered to the callback in order.
func TestRegisterDeliversChunkedWrites(t *testing.T) {
	a, b := socketpair(t)

	mux, err := fdmux.Open(nil)
	require.NoError(t, err)
	t.Cleanup(func() { mux.Close() })

	var received []byte
	done := make(chan struct{})
	status := b.Register(mux, func(c *conn.Connection, _ interface{}) {
		chunk, ok := c.ReadEverything()
		if ok {
			received = append(received, chunk...)
		}
		if len(received) >= 100 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}, nil)
	require.Equal(t, conn.OK, status)
	t.Cleanup(b.Unregister)

	full := make([]byte, 100)
	for i := range full {
		full[i] = byte(i)
	}
	for i := 0; i < 10; i++ {
		st := a.Write(full[i*10 : i*10+10])
		require.NotEqual(t, conn.Error, st)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never observed all 100 bytes")
	}
	assert.Equal(t, full, received)
}
