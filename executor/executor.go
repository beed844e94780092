package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

// DefaultTimeout is the advisory per-test timeout used when Options.Timeout is zero.
const DefaultTimeout = time.Second * 3

// TestCase is a single named test within a batch.
type TestCase struct {
	Name string
	Run  func(*T)
}

// Tests is an ordered collection of test cases. Tests run, and are reported, in slice order.
type Tests []TestCase

// Add returns a copy of the collection with one more test appended.
func (ts Tests) Add(name string, run func(*T)) Tests {
	return append(append(Tests(nil), ts...), TestCase{Name: name, Run: run})
}

// Validate checks that every test has a non-empty name that is unique in the collection, and
// a function to run.
func (ts Tests) Validate() error {
	seen := make(map[string]bool, len(ts))
	for i, tc := range ts {
		if tc.Name == "" {
			return errors.Errorf("test at position %d has no name", i)
		}
		if seen[tc.Name] {
			return errors.Errorf("duplicate test name %q", tc.Name)
		}
		if tc.Run == nil {
			return errors.Errorf("test %q has no function", tc.Name)
		}
		seen[tc.Name] = true
	}
	return nil
}

// Options configures a batch run. The zero value is usable.
type Options struct {
	// BeforeEach, if set, runs before every test.
	BeforeEach func()

	// AfterEach, if set, runs after every test, including tests that failed or panicked.
	AfterEach func()

	// ChannelName is the report channel to publish on. Defaults to
	// reportchannel.DefaultChannelName.
	ChannelName string

	// AbortOnFailedTest stops the batch after the first failing test. The batch report is
	// still published, containing only the tests that ran.
	AbortOnFailedTest bool

	// Timeout is the advisory per-test timeout, exposed to tests through T.Context.
	Timeout time.Duration

	// Location identifies this batch in every report. It is captured once when the batch
	// starts.
	Location string

	// Logger receives a progress line for each test.
	Logger logging.Logger
}

// TestFailedError is returned by Run when AbortOnFailedTest stopped the batch.
type TestFailedError struct {
	Name     string
	Location string
	Message  string
}

func (e *TestFailedError) Error() string {
	return fmt.Sprintf("test %q in %s failed: %s", e.Name, e.Location, e.Message)
}

// Run executes every test in order and publishes a test-report message after each one,
// followed by exactly one batch-report message with the full summary. The channel handle it
// opens is closed before Run returns.
//
// If ctx is cancelled between tests, the batch is considered abandoned: no further tests run,
// no batch report is published, and the context error is returned.
func Run(ctx context.Context, opener reportchannel.Opener, tests Tests, opts Options) (reportchannel.BatchReport, error) {
	if err := tests.Validate(); err != nil {
		return reportchannel.BatchReport{}, err
	}
	if opts.ChannelName == "" {
		opts.ChannelName = reportchannel.DefaultChannelName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NullLogger()
	}

	channel, err := opener.OpenChannel(opts.ChannelName)
	if err != nil {
		return reportchannel.BatchReport{}, errors.Wrapf(err, "could not open report channel %q", opts.ChannelName)
	}
	defer channel.Close()

	location := opts.Location
	batch := reportchannel.BatchReport{Location: location, Summary: []reportchannel.TestReport{}}
	var aborted *TestFailedError

	for _, tc := range tests {
		if err := ctx.Err(); err != nil {
			logger.Printf("Batch %s abandoned before %q", location, tc.Name)
			return batch, err
		}

		report := runOne(ctx, tc, location, opts)
		if report.Failed() {
			logger.Printf("✘ %s: %s", tc.Name, report.Error)
		} else {
			logger.Printf("✔ %s", tc.Name)
		}
		batch.Summary = append(batch.Summary, report)

		if err := channel.Publish(reportchannel.NewTestReportMessage(report)); err != nil {
			return batch, errors.Wrapf(err, "could not publish report for %q", tc.Name)
		}
		if report.Failed() && opts.AbortOnFailedTest {
			aborted = &TestFailedError{Name: tc.Name, Location: location, Message: report.Error}
			break
		}
	}

	if err := ctx.Err(); err != nil {
		logger.Printf("Batch %s abandoned before its summary", location)
		return batch, err
	}
	if err := channel.Publish(reportchannel.NewBatchReportMessage(batch)); err != nil {
		return batch, errors.Wrap(err, "could not publish batch report")
	}
	if aborted != nil {
		return batch, aborted
	}
	return batch, nil
}

func runOne(ctx context.Context, tc TestCase, location string, opts Options) reportchannel.TestReport {
	testCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	t := newT(testCtx, tc.Name, location)
	t.run(opts.BeforeEach, tc.Run, opts.AfterEach)

	report := reportchannel.TestReport{Name: tc.Name, Location: location, Status: reportchannel.StatusPassed}
	if t.failed {
		report.Status = reportchannel.StatusFailed
		report.Error = t.errorMessage()
	}
	if opts.Logger != nil {
		for _, m := range t.DebugOutput() {
			opts.Logger.Printf("  [%s] %s", tc.Name, m.Message)
		}
	}
	return report
}
