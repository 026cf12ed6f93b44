// Package conn implements the Buffered Non-Blocking Connection core
// described in spec.md §3–4.2: a bidirectional byte stream wrapper with
// framed read/write operations and FD-multiplexer integration.
//
// It is grounded on xtaci/gaio's non-blocking read/write loop
// (_examples/socket515-gaio/watcher.go's tryRead/tryWrite: the exact
// EAGAIN/EINTR retry discipline used here in tryWriteLocked/
// readIntoInbufLocked) and on its raw-fd-via-dup strategy for taking
// ownership of a net.Conn's file descriptor (dupconn in
// _examples/RTradeLtd-gaio/aio_generic.go).
package conn

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kienpl96/kannel/fdmux"
	"github.com/kienpl96/kannel/internal/bytebuf"
	"github.com/kienpl96/kannel/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Status is the tri-state return code spec.md §4.2 uses throughout the
// write/flush/wait surface: 0 means full success/progress, 1 means a
// partial or interrupted result the caller should retry, -1 means a
// fatal, sticky error.
type Status int

const (
	// OK indicates the operation fully completed (drained, or progress
	// was made).
	OK Status = 0
	// Partial indicates buffered-but-incomplete output, a spurious
	// wake-up, or (for Wait) a plain timeout — spec.md §9 flags this
	// specific overload as ambiguous by design and asks implementers to
	// either preserve it for bug-compatibility or split it; this port
	// preserves it.
	Partial Status = 1
	// Error indicates a fatal, non-transient failure.
	Error Status = -1
)

// Callback is invoked from the fdmux dispatch goroutine when registered
// data has arrived (spec.md §4.2 poll_callback's user-callback half).
type Callback func(c *Connection, data interface{})

// Options configures Connection construction.
type Options struct {
	// DialTimeout bounds OpenTCP's blocking connect. Defaults to 10s.
	// spec.md §9 flags the blocking connect as a known rough edge and
	// asks for a configurable timeout rather than silently blocking
	// forever; this is that knob.
	DialTimeout time.Duration
	// OutputBufferingThreshold seeds output_buffering_threshold.
	OutputBufferingThreshold uint32
	Logger                   logrus.FieldLogger
	Metrics                  *metrics.Collector
}

// Connection wraps a non-blocking file descriptor with buffered,
// framed I/O. See spec.md §3 for the full invariant list; the Go port
// additionally makes listeningPollIn/listeningPollOut atomic (rather than
// plain bools guarded by their nominal lock alone). The read path touches
// only listeningPollIn (under inputMu) and the write path only
// listeningPollOut (under outputMu), each adjusting its own interest bit
// through fdmux.SetInterest; Register/Unregister set both under both
// locks.
type Connection struct {
	fd int

	inputMu  sync.Mutex
	outputMu sync.Mutex

	claimed atomic.Bool

	outbuf                   *bytebuf.Buffer
	outbufStart              int
	outputBufferingThreshold uint32
	writeErr                 error

	inbuf      *bytebuf.Buffer
	inbufStart int
	readEOF    bool
	readErr    error

	registered       bool
	mux              *fdmux.Multiplexer
	callback         Callback
	callbackData     interface{}
	listeningPollIn  atomic.Bool
	listeningPollOut atomic.Bool

	log     logrus.FieldLogger
	metrics *metrics.Collector
}

// OpenTCP dials host:port (a blocking connect, per spec.md §4.2, bounded
// by opts.DialTimeout) and wraps the resulting socket.
func OpenTCP(host string, port int, opts Options) (*Connection, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	fd, err := dupViaRawConn(nc)
	nc.Close()
	if err != nil {
		return nil, err
	}
	return WrapFD(fd, opts)
}

// WrapFD takes ownership of fd, switches it to non-blocking, and
// constructs an empty, unregistered, unclaimed Connection over it
// (spec.md §4.2).
func WrapFD(fd int, opts Options) (*Connection, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Connection{
		fd:                       fd,
		outbuf:                   bytebuf.New(),
		inbuf:                    bytebuf.New(),
		outputBufferingThreshold: opts.OutputBufferingThreshold,
		log:                      log,
		metrics:                  opts.Metrics,
	}
	return c, nil
}

// Destroy unregisters (if registered), attempts one best-effort
// non-blocking flush, closes the fd, and releases buffers. The caller
// warrants no other goroutine still references c; Destroy does not lock
// (spec.md §4.2). Destroy on a nil *Connection is a no-op.
func (c *Connection) Destroy() {
	if c == nil {
		return
	}
	if c.registered {
		c.Unregister()
	}
	if c.fd >= 0 {
		if status := c.tryWrite(); status == Error {
			c.log.WithField("fd", c.fd).Warn("conn: best-effort flush on destroy failed")
		}
		unix.Close(c.fd)
		c.fd = -1
	}
}

// Claim marks c as owned by the calling goroutine: every subsequent
// locking operation on c becomes a no-op for as long as it stays claimed,
// and no other goroutine may touch c meanwhile (spec.md §4.2). A second
// Claim is a caller contract violation and panics, matching the fatal
// treatment spec.md §7 calls for.
func (c *Connection) Claim() {
	if !c.claimed.CompareAndSwap(false, true) {
		panic("conn: double-claim of connection")
	}
}

func (c *Connection) lockInput() {
	if !c.claimed.Load() {
		c.inputMu.Lock()
	}
}

func (c *Connection) unlockInput() {
	if !c.claimed.Load() {
		c.inputMu.Unlock()
	}
}

func (c *Connection) lockOutput() {
	if !c.claimed.Load() {
		c.outputMu.Lock()
	}
}

func (c *Connection) unlockOutput() {
	if !c.claimed.Load() {
		c.outputMu.Unlock()
	}
}

// lockBoth acquires both locks in output-then-input order, spec.md §5's
// mandated order for register/unregister.
func (c *Connection) lockBoth() {
	c.lockOutput()
	c.lockInput()
}

func (c *Connection) unlockBoth() {
	c.unlockInput()
	c.unlockOutput()
}

// OutbufLen returns the number of unwritten, buffered output bytes.
func (c *Connection) OutbufLen() int {
	c.lockOutput()
	defer c.unlockOutput()
	return c.outbuf.Len() - c.outbufStart
}

// InbufLen returns the number of unread, buffered input bytes.
func (c *Connection) InbufLen() int {
	c.lockInput()
	defer c.unlockInput()
	return c.inbuf.Len() - c.inbufStart
}

// Eof reports whether the connection has seen a zero-length read.
func (c *Connection) Eof() bool {
	c.lockInput()
	defer c.unlockInput()
	return c.readEOF
}

// ReadError returns the sticky read error, if any.
func (c *Connection) ReadError() error {
	c.lockInput()
	defer c.unlockInput()
	return c.readErr
}

// Fd returns the underlying file descriptor, or -1 if destroyed.
func (c *Connection) Fd() int {
	return c.fd
}
