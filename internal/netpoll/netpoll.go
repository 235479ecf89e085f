// Package netpoll answers "which of these sockets can be read without
// blocking?" for a set of raw socket handles, so that one goroutine can
// drive a listener and many connections in a single bounded pass.
package netpoll

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrUnsupported is returned on platforms without a readiness poller.
var ErrUnsupported = errors.New("netpoll: readiness polling not supported on this platform")

// FD extracts the OS handle of a connection or listener
// (*net.TCPConn, *net.TCPListener, *net.UnixConn, *net.UnixListener).
//
// The handle stays owned by the Go value; it must not be closed directly
// and is only valid while that value is open.
func FD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("FD: %w", err)
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, fmt.Errorf("FD: control: %w", err)
	}
	return fd, nil
}
