package orchestrator

import (
	"fmt"
	"time"
)

// supervisor holds the deadline for the batch that is currently active. It is only used from
// the orchestrator's message loop, so it needs no locking.
type supervisor struct {
	timeout time.Duration
	timer   *time.Timer
	cursor  int
}

func (s *supervisor) arm(cursor int) {
	if s.timer != nil {
		panic(fmt.Sprintf("deadline for batch %d armed while batch %d was still armed; this is a mistake in the program logic",
			cursor, s.cursor))
	}
	s.cursor = cursor
	s.timer = time.NewTimer(s.timeout)
}

func (s *supervisor) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// expired returns the channel that fires when the armed deadline elapses. When nothing is
// armed it returns nil, which blocks forever in a select.
func (s *supervisor) expired() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

// fired is called once the deadline channel has delivered. It returns the cursor the deadline
// belonged to.
func (s *supervisor) fired() int {
	s.timer = nil
	return s.cursor
}

func (s *supervisor) armed() bool {
	return s.timer != nil
}
