package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/launchdarkly/batch-test-harness/logging"
)

// T is passed to each test function. It implements the same failure methods as Go's
// testing.T, so the testify assert and require packages can be used with it directly.
//
// A test passes unless it calls Errorf, Fatal, or FailNow, or panics.
type T struct {
	ctx         context.Context
	name        string
	location    string
	debugLogger logging.CapturingLogger
	failed      bool
	errors      []error
}

func newT(ctx context.Context, name, location string) *T {
	return &T{ctx: ctx, name: name, location: location}
}

// Name returns the name of the running test.
func (t *T) Name() string {
	return t.name
}

// Location returns the location of the batch the test belongs to.
func (t *T) Location() string {
	return t.location
}

// Context returns a context that is done when the batch is abandoned or when the advisory
// per-test timeout has elapsed. The executor does not stop a test that ignores it.
func (t *T) Context() context.Context {
	return t.ctx
}

// Errorf records a failure and lets the test continue.
func (t *T) Errorf(format string, args ...interface{}) {
	t.failed = true
	t.errors = append(t.errors, fmt.Errorf(format, args...))
}

// FailNow stops the test immediately. If no failure was recorded yet, the test fails with a
// generic message.
func (t *T) FailNow() {
	t.failed = true
	panic(t)
}

// Fatal records a failure built from args, as fmt.Sprint would, and stops the test.
func (t *T) Fatal(args ...interface{}) {
	t.failed = true
	t.errors = append(t.errors, errors.New(fmt.Sprint(args...)))
	t.FailNow()
}

// Failed reports whether the test has failed so far.
func (t *T) Failed() bool {
	return t.failed
}

// Debug adds a line of debug output for the test.
func (t *T) Debug(message string, args ...interface{}) {
	t.debugLogger.Printf(message, args...)
}

// DebugOutput returns whatever the test wrote with Debug.
func (t *T) DebugOutput() logging.CapturedOutput {
	return t.debugLogger.Output()
}

func (t *T) run(beforeEach func(), action func(*T), afterEach func()) {
	defer func() {
		if r := recover(); r != nil {
			t.failed = true
			if r == t {
				if len(t.errors) == 0 {
					t.errors = append(t.errors, errors.New("test failed with no failure message"))
				}
				return
			}
			t.debugLogger.Printf("panic: %+v\n%s", r, string(debug.Stack()))
			if err, ok := r.(error); ok {
				t.errors = append(t.errors, err)
			} else {
				t.errors = append(t.errors, fmt.Errorf("unexpected panic in test: %+v", r))
			}
		}
	}()
	if afterEach != nil {
		defer afterEach()
	}
	if beforeEach != nil {
		beforeEach()
	}
	action(t)
}

func (t *T) errorMessage() string {
	var ss []string
	for _, e := range t.errors {
		ss = append(ss, e.Error())
	}
	return strings.Join(ss, "\n")
}
