// Package fdmux implements the "FD Multiplexer" external collaborator
// from spec.md §1: a thread-safe registry mapping file descriptors to
// interest masks and a user callback, invoked from the multiplexer's own
// background goroutine when a descriptor becomes ready.
//
// It is grounded directly on xtaci/gaio's own poller integration
// (_examples/socket515-gaio/watcher.go's pfd.Watch/pfd.Wait feeding
// w.chEventNotify into w.handleEvents), fleshed out into a standalone,
// reusable registry with real epoll_ctl/epoll_wait plumbing in the style
// of _examples/other_examples/b22671cf_trpc-group-tnet__internal-poller-poller_epoll.go.go
// and _examples/other_examples/1898e4fc_panlibin-gnet__internal-netpoll-epoll.go.go.
package fdmux

import (
	"errors"
	"sync"
)

// Interest bits, matching unix.POLLIN / unix.POLLOUT so callers can pass
// them straight through to osthread.PollFD as well.
const (
	Readable int16 = 0x1
	Writable int16 = 0x4
)

// Callback is invoked from the multiplexer's dispatch goroutine when fd
// becomes ready for any bit set in revents.
type Callback func(fd int, revents int16, data interface{})

var (
	// ErrClosed is returned by any operation on a closed Multiplexer.
	ErrClosed = errors.New("fdmux: multiplexer closed")
	// ErrNotRegistered is returned by Listen/Unregister for an unknown fd.
	ErrNotRegistered = errors.New("fdmux: fd not registered")
)

type registration struct {
	fd   int
	mask int16
	cb   Callback
	data interface{}
	// callMu serializes and quiesces callback invocation: dispatch holds
	// it only while the user callback runs, and Unregister takes and
	// releases it after removing the registration, so Unregister cannot
	// return while a callback for this fd is still executing.
	callMu sync.Mutex
}
