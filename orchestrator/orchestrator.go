package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

// DefaultTestTimeout is how long a batch may run without publishing its batch report.
const DefaultTestTimeout = time.Second * 4

// Activator hands a target to its execution context, causing a fresh batch to run there and
// publish on the named report channel. Activate should return once the context has accepted
// the target; it should not wait for the batch to finish.
type Activator interface {
	Activate(ctx context.Context, target string, channelName string) error
}

// ActivatorFunc adapts a function to the Activator interface.
type ActivatorFunc func(ctx context.Context, target string, channelName string) error

func (f ActivatorFunc) Activate(ctx context.Context, target string, channelName string) error {
	return f(ctx, target, channelName)
}

// Indicator shows a human which target is running, and which one hung.
type Indicator interface {
	BatchStarted(cursor, total int, label string)
	BatchTimedOut(target string, timeout time.Duration)
}

type nullIndicator struct{}

func (nullIndicator) BatchStarted(int, int, string)       {}
func (nullIndicator) BatchTimedOut(string, time.Duration) {}

// TestObserver is called with each test report from the active target.
type TestObserver func(reportchannel.TestReport)

// BatchObserver is called once with the batch report of each finished target.
type BatchObserver func(reportchannel.BatchReport)

// Config holds the settings for an Orchestrator.
type Config struct {
	// ChannelName is the report channel the run listens on. Defaults to
	// reportchannel.DefaultChannelName.
	ChannelName string

	// TestTimeout is the per-batch deadline. Defaults to DefaultTestTimeout.
	TestTimeout time.Duration

	Indicator Indicator
	Logger    logging.Logger
}

// State is the phase of an Orchestrator's run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDone
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type runState struct {
	state  State
	cursor int
}

// Orchestrator drives a sequence of targets through their execution contexts one at a time.
// The next target is activated only after the current one has published its batch report.
//
// An Orchestrator runs once; create a new one for each run.
type Orchestrator struct {
	bus         *reportchannel.Bus
	targets     []string
	activator   Activator
	config      Config
	sup         supervisor
	onTest      TestObserver
	onBatchDone BatchObserver
	run         runState
	lock        sync.Mutex
}

// New creates an Orchestrator for the specified targets. Targets must be distinct, since
// reports are matched to the active target by their location.
func New(bus *reportchannel.Bus, targets []string, activator Activator, config Config) (*Orchestrator, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if activator == nil {
		return nil, ErrNoActivator
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t] {
			return nil, fmt.Errorf("target %q was specified more than once", t)
		}
		seen[t] = true
	}
	if config.ChannelName == "" {
		config.ChannelName = reportchannel.DefaultChannelName
	}
	if config.TestTimeout <= 0 {
		config.TestTimeout = DefaultTestTimeout
	}
	if config.Indicator == nil {
		config.Indicator = nullIndicator{}
	}
	if config.Logger == nil {
		config.Logger = logging.NullLogger()
	}
	return &Orchestrator{
		bus:       bus,
		targets:   append([]string(nil), targets...),
		activator: activator,
		config:    config,
		sup:       supervisor{timeout: config.TestTimeout},
	}, nil
}

// State returns the current state of the run.
func (o *Orchestrator) State() State {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.run.state
}

// Cursor returns the index of the active target, or len(targets) once the run is done.
func (o *Orchestrator) Cursor() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.run.cursor
}

// Start registers the observers, activates the first target, and then processes report
// messages until every target has published its batch report. Either observer may be nil.
//
// It returns nil once the run is complete. It returns a *TimeoutError if a batch missed its
// deadline, a *ProtocolError if an invalid message arrived, an *ActivationError if a target
// could not be activated, or the context's error if ctx was cancelled. In every error case
// the remaining targets are never activated.
func (o *Orchestrator) Start(ctx context.Context, onTest TestObserver, onBatchDone BatchObserver) error {
	o.lock.Lock()
	if o.run.state != StateIdle {
		o.lock.Unlock()
		return ErrAlreadyStarted
	}
	o.run.state = StateRunning
	o.lock.Unlock()

	o.onTest, o.onBatchDone = onTest, onBatchDone
	if o.onTest == nil {
		o.onTest = func(reportchannel.TestReport) {}
	}
	if o.onBatchDone == nil {
		o.onBatchDone = func(reportchannel.BatchReport) {}
	}

	channel := o.bus.Open(o.config.ChannelName)
	defer channel.Close()
	sub := channel.Subscribe()
	defer sub.Close()
	defer o.sup.disarm()

	o.config.Logger.Printf("Starting tests ...")
	if err := o.activate(ctx, 0); err != nil {
		return err
	}

	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				o.setState(StateFailed)
				return errors.New("report channel was closed before the run finished")
			}
			done, err := o.handle(ctx, m)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-o.sup.expired():
			return o.timedOut(o.sup.fired())
		case <-ctx.Done():
			o.setState(StateFailed)
			return ctx.Err()
		}
	}
}

// handle is the only place where the run reacts to a message, and the only caller of
// advance. It returns true when the run is complete.
func (o *Orchestrator) handle(ctx context.Context, m reportchannel.Message) (bool, error) {
	ev, err := reportchannel.Decode(m)
	if err != nil {
		o.setState(StateFailed)
		return false, &ProtocolError{Type: m.Type, Err: err}
	}
	switch e := ev.(type) {
	case reportchannel.TestReportEvent:
		if !o.isActive(e.Report.Location) {
			o.config.Logger.Printf("Ignoring test report %q from inactive target %s", e.Report.Name, e.Report.Location)
			return false, nil
		}
		o.onTest(e.Report)
		return false, nil
	case reportchannel.BatchReportEvent:
		if !o.isActive(e.Report.Location) {
			o.config.Logger.Printf("Ignoring batch report from inactive target %s", e.Report.Location)
			return false, nil
		}
		o.sup.disarm()
		o.onBatchDone(e.Report)
		return o.advance(ctx)
	case reportchannel.UnknownEvent:
		o.setState(StateFailed)
		return false, &ProtocolError{Type: e.Type}
	default:
		panic(fmt.Sprintf("unhandled event type %T", ev))
	}
}

func (o *Orchestrator) advance(ctx context.Context) (bool, error) {
	o.lock.Lock()
	o.run.cursor++
	cursor := o.run.cursor
	if cursor >= len(o.targets) {
		o.run.state = StateDone
	}
	o.lock.Unlock()

	if cursor >= len(o.targets) {
		o.config.Logger.Printf("[Done] All tests finished")
		return true, nil
	}
	return false, o.activate(ctx, cursor)
}

func (o *Orchestrator) activate(ctx context.Context, cursor int) error {
	target := o.targets[cursor]
	o.sup.arm(cursor)

	activateCtx, cancel := context.WithTimeout(ctx, o.config.TestTimeout)
	err := o.activator.Activate(activateCtx, target, o.config.ChannelName)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			o.sup.disarm()
			return o.timedOut(cursor)
		}
		o.sup.disarm()
		o.setState(StateFailed)
		return &ActivationError{Target: target, Err: err}
	}

	o.config.Indicator.BatchStarted(cursor, len(o.targets), fmt.Sprintf("Testing %s ...", target))
	return nil
}

func (o *Orchestrator) timedOut(cursor int) error {
	target := o.targets[cursor]
	o.setState(StateTimedOut)
	o.config.Indicator.BatchTimedOut(target, o.config.TestTimeout)
	o.config.Logger.Printf("Timeout running tests: %s", target)
	return &TimeoutError{Target: target, Cursor: cursor, Timeout: o.config.TestTimeout}
}

func (o *Orchestrator) isActive(location string) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.run.state == StateRunning && o.run.cursor < len(o.targets) && o.targets[o.run.cursor] == location
}

func (o *Orchestrator) setState(s State) {
	o.lock.Lock()
	o.run.state = s
	o.lock.Unlock()
}
