package main

import (
	"sync/atomic"
	"time"

	"github.com/launchdarkly/batch-test-harness/executor"
	"github.com/launchdarkly/batch-test-harness/poll"
	"github.com/launchdarkly/batch-test-harness/testservice"
)

// registerBatches sets up the demo targets.
func registerBatches(r *testservice.Registry) error {
	var ready int32
	basics := testservice.Batch{
		BeforeEach: func() { atomic.StoreInt32(&ready, 0) },
		Tests: executor.Tests{}.
			Add("adds numbers", func(t *executor.T) {
				if 2+2 != 4 {
					t.Errorf("arithmetic is broken")
				}
			}).
			Add("waits for a delay", func(t *executor.T) {
				if err := poll.Delay(t.Context(), 50*time.Millisecond); err != nil {
					t.Fatal(err)
				}
			}).
			Add("waits for a condition", func(t *executor.T) {
				go func() {
					time.Sleep(100 * time.Millisecond)
					atomic.StoreInt32(&ready, 1)
				}()
				err := poll.WaitFor(t.Context(), func() bool { return atomic.LoadInt32(&ready) == 1 },
					poll.Options{CheckInterval: 20 * time.Millisecond})
				if err != nil {
					t.Fatal(err)
				}
				t.Debug("condition became true")
			}),
	}

	broken := testservice.Batch{
		Tests: executor.Tests{}.
			Add("passes", func(*executor.T) {}).
			Add("fails", func(t *executor.T) {
				t.Errorf("expected %d, got %d", 1, 2)
			}).
			Add("never becomes ready", func(t *executor.T) {
				err := poll.WaitFor(t.Context(), func() bool { return false },
					poll.Options{CheckInterval: 10 * time.Millisecond, Retries: 5})
				if err != nil {
					t.Fatal(err)
				}
			}),
	}

	slow := testservice.Batch{
		Timeout: time.Minute,
		Tests: executor.Tests{}.
			Add("takes too long", func(t *executor.T) {
				_ = poll.Delay(t.Context(), 30*time.Second)
			}),
	}

	for target, b := range map[string]testservice.Batch{
		"basics": basics,
		"broken": broken,
		"slow":   slow,
	} {
		if err := r.Register(target, b); err != nil {
			return err
		}
	}
	return nil
}
