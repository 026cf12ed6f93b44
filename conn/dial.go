package conn

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

var errNotSyscallConn = errors.New("conn: net.Conn does not implement syscall.Conn")

// FromNetConn wraps an already-established net.Conn (typically one
// returned by a net.Listener's Accept, where OpenTCP's own dial path
// doesn't apply) by duplicating its fd and closing the original,
// mirroring OpenTCP's own dupViaRawConn/WrapFD handoff.
func FromNetConn(nc net.Conn, opts Options) (*Connection, error) {
	fd, err := dupViaRawConn(nc)
	nc.Close()
	if err != nil {
		return nil, err
	}
	return WrapFD(fd, opts)
}

// dupViaRawConn duplicates the raw file descriptor underlying nc, the
// same way xtaci/gaio's dupconn takes ownership of a net.Conn's socket
// (_examples/RTradeLtd-gaio/aio_generic.go): SyscallConn().Control gives
// safe access to the fd for the duration of the dup(2) call, after which
// the original net.Conn can be closed without affecting the duplicate.
func dupViaRawConn(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errNotSyscallConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var newfd int
	var dupErr error
	if ctrlErr := rc.Control(func(fd uintptr) {
		newfd, dupErr = unix.Dup(int(fd))
	}); ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return newfd, nil
}
