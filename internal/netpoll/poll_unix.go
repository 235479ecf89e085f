//go:build linux || darwin

package netpoll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// readyMask covers every revent after which a read returns immediately:
// data, end-of-stream, or an error to report.
const readyMask = int16(unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL)

// Set is the watch list for one readiness pass. Build it, Wait once, then
// query each slot with Readable. The zero value is an empty set.
type Set struct {
	fds []unix.PollFd
}

// Add watches fd for read-readiness and returns its slot index.
func (s *Set) Add(fd int) int {
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: int16(unix.POLLIN)})
	return len(s.fds) - 1
}

// Len returns the number of watched handles.
func (s *Set) Len() int {
	return len(s.fds)
}

// Wait polls every watched handle once, blocking at most timeout
// (zero means return immediately). It returns the number of ready handles.
// An interrupted poll reports zero ready handles, not an error.
func (s *Set) Wait(timeout time.Duration) (int, error) {
	for i := range s.fds {
		s.fds[i].Revents = 0
	}
	if len(s.fds) == 0 {
		return 0, nil
	}

	n, err := unix.Poll(s.fds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Wait: poll: %w", err)
	}
	return n, nil
}

// Readable reports whether the handle in slot i was ready after Wait.
func (s *Set) Readable(i int) bool {
	if i < 0 || i >= len(s.fds) {
		return false
	}
	return s.fds[i].Revents&readyMask != 0
}
