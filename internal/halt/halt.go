// Package halt provides the run-wide termination signal shared by every
// concurrent task of a test run.
//
// The signal is monotonic: once asserted it never reverts. Any task that
// ends for a reason other than being asked to stop (a supervised process
// exits on its own, the serial link closes) asserts it so that sibling
// tasks unwind at their next suspension point.
package halt

import "sync"

// Signal is a one-shot broadcast flag. The zero value is not usable,
// construct with New.
type Signal struct {
	once sync.Once
	done chan struct{}
}

func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Assert sets the signal. It is idempotent and safe to call from any
// goroutine.
func (s *Signal) Assert() {
	s.once.Do(func() { close(s.done) })
}

// IsSet reports whether the signal has been asserted. Non-blocking.
func (s *Signal) IsSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the signal is asserted.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
