// Package poll provides waiting helpers for test authors: a plain delay, and polling a
// condition until it becomes true.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultCheckInterval = time.Millisecond * 200
	DefaultRetries       = 10
)

// ErrNotAFunction is returned by WaitFor, before any waiting starts, if it is given a nil
// condition.
var ErrNotAFunction = errors.New("WaitFor requires a condition function")

// TimeoutError is returned by WaitFor when the condition never became true.
type TimeoutError struct {
	Waited time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for condition", e.Waited)
}

// Options controls how often WaitFor checks its condition, and how many times.
type Options struct {
	CheckInterval time.Duration
	Retries       int
}

// Delay waits for the specified duration, or until ctx is done.
func Delay(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor checks condition immediately, and then every CheckInterval up to Retries times,
// returning nil as soon as it is true. The overall deadline is CheckInterval * Retries plus a
// small margin, so that the final check is not racing the deadline.
func WaitFor(ctx context.Context, condition func() bool, opts Options) error {
	if condition == nil {
		return ErrNotAFunction
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}

	if condition() {
		return nil
	}

	total := opts.CheckInterval*time.Duration(opts.Retries) + opts.CheckInterval/10
	deadline := time.NewTimer(total)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if condition() {
				return nil
			}
		case <-deadline.C:
			return TimeoutError{Waited: total}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
