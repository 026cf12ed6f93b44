//go:build linux

package fdmux_test

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kienpl96/kannel/fdmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterDispatchesOnReadable(t *testing.T) {
	mux, err := fdmux.Open(nil)
	require.NoError(t, err)
	defer mux.Close()

	r, w := pipeFDs(t)

	fired := make(chan int16, 1)
	err = mux.Register(r, fdmux.Readable, func(fd int, revents int16, _ interface{}) {
		fired <- revents
	}, nil)
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case revents := <-fired:
		assert.NotZero(t, revents&fdmux.Readable)
	case <-time.After(time.Second):
		t.Fatal("callback never fired for readable fd")
	}
}

func TestSetInterestTogglesWithoutDisturbingOtherBit(t *testing.T) {
	mux, err := fdmux.Open(nil)
	require.NoError(t, err)
	defer mux.Close()

	r, w := pipeFDs(t)
	_, err = unix.Write(w, []byte("seed"))
	require.NoError(t, err)

	var mu sync.Mutex
	var lastRevents int16
	err = mux.Register(r, fdmux.Readable|fdmux.Writable, func(fd int, revents int16, _ interface{}) {
		mu.Lock()
		lastRevents = revents
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	seen := lastRevents
	mu.Unlock()
	assert.NotZero(t, seen&fdmux.Readable)

	require.NoError(t, mux.SetInterest(r, fdmux.Readable, false))

	drained := make([]byte, 16)
	unix.Read(r, drained)

	mu.Lock()
	lastRevents = 0
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := lastRevents
	mu.Unlock()
	assert.NotZero(t, after&fdmux.Writable, "Writable interest must survive clearing Readable")
	assert.Zero(t, after&fdmux.Readable)
}

func TestUnregisterUnknownFDFails(t *testing.T) {
	mux, err := fdmux.Open(nil)
	require.NoError(t, err)
	defer mux.Close()

	err = mux.Unregister(999999)
	assert.ErrorIs(t, err, fdmux.ErrNotRegistered)
}

func TestUnregisterQuiescesInFlightCallback(t *testing.T) {
	mux, err := fdmux.Open(nil)
	require.NoError(t, err)
	defer mux.Close()

	r, w := pipeFDs(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	err = mux.Register(r, fdmux.Readable, func(fd int, revents int16, _ interface{}) {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	<-started

	unregisterDone := make(chan struct{})
	go func() {
		mux.Unregister(r)
		close(unregisterDone)
	}()

	select {
	case <-unregisterDone:
		t.Fatal("Unregister returned while callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-unregisterDone:
	case <-time.After(time.Second):
		t.Fatal("Unregister never returned after callback finished")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

func TestOperationsOnClosedMultiplexerFail(t *testing.T) {
	mux, err := fdmux.Open(nil)
	require.NoError(t, err)
	require.NoError(t, mux.Close())

	r, _ := pipeFDs(t)
	err = mux.Register(r, fdmux.Readable, func(int, int16, interface{}) {}, nil)
	assert.ErrorIs(t, err, fdmux.ErrClosed)
}
