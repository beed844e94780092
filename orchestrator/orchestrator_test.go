package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/batch-test-harness/executor"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

// eventLog records activations and observed reports in the order they happened.
type eventLog struct {
	events []string
	lock   sync.Mutex
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.lock.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.lock.Unlock()
}

func (l *eventLog) get() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) onTest(r reportchannel.TestReport) {
	l.add("test %s %s %s", r.Location, r.Name, r.Status)
}

func (l *eventLog) onBatchDone(b reportchannel.BatchReport) {
	l.add("batch %s %d", b.Location, len(b.Summary))
}

type recordingIndicator struct {
	started  []string
	timedOut []string
	lock     sync.Mutex
}

func (r *recordingIndicator) BatchStarted(cursor, total int, label string) {
	r.lock.Lock()
	r.started = append(r.started, fmt.Sprintf("%d/%d %s", cursor+1, total, label))
	r.lock.Unlock()
}

func (r *recordingIndicator) BatchTimedOut(target string, timeout time.Duration) {
	r.lock.Lock()
	r.timedOut = append(r.timedOut, target)
	r.lock.Unlock()
}

// script is what a fake execution context does when it is activated.
type script func(publish func(reportchannel.Message))

func scriptedActivator(bus *reportchannel.Bus, log *eventLog, scripts map[string]script) Activator {
	return ActivatorFunc(func(ctx context.Context, target, channelName string) error {
		log.add("activate %s", target)
		s, ok := scripts[target]
		if !ok {
			return errors.New("unknown target")
		}
		go func() {
			ch := bus.Open(channelName)
			defer ch.Close()
			s(func(m reportchannel.Message) { _ = ch.Publish(m) })
		}()
		return nil
	})
}

func passingBatch(target string, names ...string) script {
	return func(publish func(reportchannel.Message)) {
		batch := reportchannel.BatchReport{Location: target}
		for _, n := range names {
			r := reportchannel.TestReport{Name: n, Location: target, Status: reportchannel.StatusPassed}
			publish(reportchannel.NewTestReportMessage(r))
			batch.Summary = append(batch.Summary, r)
		}
		publish(reportchannel.NewBatchReportMessage(batch))
	}
}

func hangingBatch(publish func(reportchannel.Message)) {}

func TestTargetsAreActivatedStrictlyInSequence(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	indicator := &recordingIndicator{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": passingBatch("t1", "a", "b"),
		"t2": passingBatch("t2", "c"),
		"t3": passingBatch("t3"),
	})
	o, err := New(bus, []string{"t1", "t2", "t3"}, activator, Config{Indicator: indicator})
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background(), log.onTest, log.onBatchDone))

	assert.Equal(t, []string{
		"activate t1",
		"test t1 a passed",
		"test t1 b passed",
		"batch t1 2",
		"activate t2",
		"test t2 c passed",
		"batch t2 1",
		"activate t3",
		"batch t3 0",
	}, log.get())
	assert.Equal(t, []string{"1/3 Testing t1 ...", "2/3 Testing t2 ...", "3/3 Testing t3 ..."}, indicator.started)
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, 3, o.Cursor())
	assert.False(t, o.sup.armed())
	require.Eventually(t, func() bool { return !bus.HasChannel(reportchannel.DefaultChannelName) },
		time.Second, time.Millisecond*10, "report channel was not closed at the end of the run")
}

func TestTimeoutStopsRun(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	indicator := &recordingIndicator{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": passingBatch("t1", "a"),
		"t2": hangingBatch,
		"t3": passingBatch("t3", "b"),
	})
	o, err := New(bus, []string{"t1", "t2", "t3"}, activator,
		Config{TestTimeout: time.Millisecond * 100, Indicator: indicator})
	require.NoError(t, err)

	start := time.Now()
	err = o.Start(context.Background(), log.onTest, log.onBatchDone)
	require.Error(t, err)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(time.Millisecond*100))

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "t2", timeout.Target)
	assert.Equal(t, 1, timeout.Cursor)

	assert.Equal(t, []string{"activate t1", "test t1 a passed", "batch t1 1", "activate t2"}, log.get())
	assert.Equal(t, []string{"t2"}, indicator.timedOut)
	assert.Equal(t, StateTimedOut, o.State())
	assert.Equal(t, 1, o.Cursor())
}

func TestTestReportsDoNotExtendDeadline(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": func(publish func(reportchannel.Message)) {
			for i := 0; i < 5; i++ {
				time.Sleep(time.Millisecond * 40)
				publish(reportchannel.NewTestReportMessage(reportchannel.TestReport{
					Name: fmt.Sprintf("slow%d", i), Location: "t1", Status: reportchannel.StatusPassed}))
			}
			publish(reportchannel.NewBatchReportMessage(reportchannel.BatchReport{Location: "t1"}))
		},
	})
	o, err := New(bus, []string{"t1"}, activator, Config{TestTimeout: time.Millisecond * 100})
	require.NoError(t, err)

	err = o.Start(context.Background(), log.onTest, log.onBatchDone)
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout), "expected timeout but got %v", err)
	assert.Contains(t, log.get(), "test t1 slow0 passed")
}

func TestDuplicateBatchReportDoesNotAdvanceTwice(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": func(publish func(reportchannel.Message)) {
			passingBatch("t1", "a")(publish)
			publish(reportchannel.NewBatchReportMessage(reportchannel.BatchReport{Location: "t1"}))
		},
		"t2": func(publish func(reportchannel.Message)) {
			time.Sleep(time.Millisecond * 50) // let the duplicate from t1 arrive first
			passingBatch("t2", "b")(publish)
		},
		"t3": passingBatch("t3", "c"),
	})
	o, err := New(bus, []string{"t1", "t2", "t3"}, activator, Config{})
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background(), log.onTest, log.onBatchDone))
	assert.Equal(t, []string{
		"activate t1", "test t1 a passed", "batch t1 1",
		"activate t2", "test t2 b passed", "batch t2 1",
		"activate t3", "test t3 c passed", "batch t3 1",
	}, log.get())
	assert.Equal(t, 3, o.Cursor())
}

func TestReportsFromInactiveTargetAreIgnored(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": func(publish func(reportchannel.Message)) {
			publish(reportchannel.NewTestReportMessage(reportchannel.TestReport{
				Name: "stray", Location: "elsewhere", Status: reportchannel.StatusFailed}))
			publish(reportchannel.NewBatchReportMessage(reportchannel.BatchReport{Location: "elsewhere"}))
			passingBatch("t1", "a")(publish)
		},
	})
	o, err := New(bus, []string{"t1"}, activator, Config{})
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background(), log.onTest, log.onBatchDone))
	assert.Equal(t, []string{"activate t1", "test t1 a passed", "batch t1 1"}, log.get())
}

func TestUnknownMessageTypeIsFatal(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": func(publish func(reportchannel.Message)) {
			publish(reportchannel.Message{Type: "progress", Data: json.RawMessage(`{}`)})
			passingBatch("t1")(publish)
		},
		"t2": passingBatch("t2"),
	})
	o, err := New(bus, []string{"t1", "t2"}, activator, Config{})
	require.NoError(t, err)

	err = o.Start(context.Background(), log.onTest, log.onBatchDone)
	var protocolErr *ProtocolError
	require.True(t, errors.As(err, &protocolErr))
	assert.Equal(t, reportchannel.MessageType("progress"), protocolErr.Type)
	assert.Equal(t, []string{"activate t1"}, log.get())
	assert.Equal(t, StateFailed, o.State())
}

func TestMalformedReportIsFatal(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{
		"t1": func(publish func(reportchannel.Message)) {
			publish(reportchannel.Message{Type: reportchannel.TypeTestReport, Data: json.RawMessage(`[1,2]`)})
		},
	})
	o, err := New(bus, []string{"t1"}, activator, Config{})
	require.NoError(t, err)

	err = o.Start(context.Background(), nil, nil)
	var protocolErr *ProtocolError
	require.True(t, errors.As(err, &protocolErr))
	assert.Error(t, protocolErr.Err)
}

func TestActivationFailureStopsRun(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{"t1": passingBatch("t1")})
	o, err := New(bus, []string{"t1", "missing", "t3"}, activator, Config{})
	require.NoError(t, err)

	err = o.Start(context.Background(), log.onTest, log.onBatchDone)
	var activationErr *ActivationError
	require.True(t, errors.As(err, &activationErr))
	assert.Equal(t, "missing", activationErr.Target)
	assert.Equal(t, []string{"activate t1", "batch t1 0", "activate missing"}, log.get())
	assert.Equal(t, StateFailed, o.State())
}

func TestHungActivationCountsAsTimeout(t *testing.T) {
	bus := reportchannel.NewBus()
	indicator := &recordingIndicator{}
	activator := ActivatorFunc(func(ctx context.Context, target, channelName string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	o, err := New(bus, []string{"t1"}, activator, Config{TestTimeout: time.Millisecond * 50, Indicator: indicator})
	require.NoError(t, err)

	err = o.Start(context.Background(), nil, nil)
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, []string{"t1"}, indicator.timedOut)
	assert.Len(t, indicator.started, 0)
}

func TestCancellationStopsRun(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	activator := scriptedActivator(bus, log, map[string]script{"t1": hangingBatch})
	o, err := New(bus, []string{"t1"}, activator, Config{TestTimeout: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 20)
		cancel()
	}()
	assert.Equal(t, context.Canceled, o.Start(ctx, nil, nil))
	assert.Equal(t, StateFailed, o.State())
}

func TestStartCanOnlyBeCalledOnce(t *testing.T) {
	bus := reportchannel.NewBus()
	log := &eventLog{}
	o, err := New(bus, []string{"t1"}, scriptedActivator(bus, log, map[string]script{"t1": passingBatch("t1")}), Config{})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background(), nil, nil))
	assert.Equal(t, ErrAlreadyStarted, o.Start(context.Background(), nil, nil))
}

func TestNewValidatesParameters(t *testing.T) {
	bus := reportchannel.NewBus()
	noop := ActivatorFunc(func(context.Context, string, string) error { return nil })

	_, err := New(bus, nil, noop, Config{})
	assert.Equal(t, ErrNoTargets, err)

	_, err = New(bus, []string{"a"}, nil, Config{})
	assert.Equal(t, ErrNoActivator, err)

	_, err = New(bus, []string{"a", "b", "a"}, noop, Config{})
	assert.Error(t, err)

	o, err := New(bus, []string{"a"}, noop, Config{})
	require.NoError(t, err)
	assert.Equal(t, reportchannel.DefaultChannelName, o.config.ChannelName)
	assert.Equal(t, DefaultTestTimeout, o.config.TestTimeout)
	assert.Equal(t, StateIdle, o.State())
}

func TestRunWithInProcessExecutors(t *testing.T) {
	bus := reportchannel.NewBus()
	batches := map[string]executor.Tests{
		"/batches/one": executor.Tests{}.
			Add("a", func(*executor.T) {}).
			Add("b", func(t *executor.T) { panic(errors.New("x")) }),
		"/batches/two": executor.Tests{}.
			Add("c", func(t *executor.T) { require.True(t, true) }),
	}
	activator := ActivatorFunc(func(ctx context.Context, target, channelName string) error {
		tests, ok := batches[target]
		if !ok {
			return errors.New("no such batch")
		}
		go func() {
			_, _ = executor.Run(context.Background(), bus, tests,
				executor.Options{ChannelName: channelName, Location: target})
		}()
		return nil
	})
	o, err := New(bus, []string{"/batches/one", "/batches/two"}, activator, Config{ChannelName: "run-e2e"})
	require.NoError(t, err)

	var summaries []reportchannel.BatchReport
	var tests []string
	err = o.Start(context.Background(),
		func(r reportchannel.TestReport) { tests = append(tests, r.Name+":"+string(r.Status)) },
		func(b reportchannel.BatchReport) { summaries = append(summaries, b) })
	require.NoError(t, err)

	assert.Equal(t, []string{"a:passed", "b:failed", "c:passed"}, tests)
	require.Len(t, summaries, 2)
	assert.Equal(t, []reportchannel.TestReport{
		{Name: "a", Location: "/batches/one", Status: reportchannel.StatusPassed},
		{Name: "b", Location: "/batches/one", Status: reportchannel.StatusFailed, Error: "x"},
	}, summaries[0].Summary)
}
