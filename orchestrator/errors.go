package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

var (
	ErrNoTargets      = errors.New("no batch targets were specified")
	ErrNoActivator    = errors.New("no activator was specified")
	ErrAlreadyStarted = errors.New("orchestrator was already started")
)

// ProtocolError means a message on the report channel was not a valid report. The run is
// stopped when this happens.
type ProtocolError struct {
	Type reportchannel.MessageType
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %q message on report channel: %s", e.Type, e.Err)
	}
	return fmt.Sprintf("invalid message type %q on report channel", e.Type)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TimeoutError means a batch did not publish its batch report before the deadline.
type TimeoutError struct {
	Target  string
	Cursor  int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout running tests: %s (no batch report within %s)", e.Target, e.Timeout)
}

// ActivationError means a target could not be handed to its execution context.
type ActivationError struct {
	Target string
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("could not activate %s: %s", e.Target, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}
