//go:build !linux && !darwin

package netpoll

import "time"

// Set is the watch list for one readiness pass.
type Set struct {
	n int
}

func (s *Set) Add(fd int) int {
	s.n++
	return s.n - 1
}

func (s *Set) Len() int { return s.n }

func (s *Set) Wait(timeout time.Duration) (int, error) {
	if s.n == 0 {
		return 0, nil
	}
	return 0, ErrUnsupported
}

func (s *Set) Readable(i int) bool { return false }
