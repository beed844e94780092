package framework

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/servicedef"
)

// ServiceActivatorOptions are passed through to the test service with every batch it is asked
// to run. Unset values leave the service's own defaults in place.
type ServiceActivatorOptions struct {
	AbortOnFailedTest *bool
	TimeoutMS         ldvalue.OptionalInt
	Logger            logging.Logger
}

// ServiceActivator activates a target by asking the test service to start a batch run whose
// reports come back to a ReportReceiver. Activating a target disposes of the run for the
// previous one, so at most one run exists in the service at a time.
type ServiceActivator struct {
	harness  *TestHarness
	receiver *ReportReceiver
	options  ServiceActivatorOptions
	current  *TestServiceEntity
	lock     sync.Mutex
}

// NewServiceActivator creates a ServiceActivator whose runs report back to receiver.
func NewServiceActivator(h *TestHarness, receiver *ReportReceiver, options ServiceActivatorOptions) *ServiceActivator {
	if options.Logger == nil {
		options.Logger = logging.NullLogger()
	}
	return &ServiceActivator{harness: h, receiver: receiver, options: options}
}

// Activate implements orchestrator.Activator.
func (a *ServiceActivator) Activate(ctx context.Context, target string, channelName string) error {
	if channelName != a.receiver.ChannelName() {
		return fmt.Errorf("report receiver listens on channel %q, not %q", a.receiver.ChannelName(), channelName)
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	a.closeCurrent()

	params := servicedef.CreateBatchParams{
		Target:            target,
		ChannelName:       channelName,
		CallbackURL:       a.receiver.NewRun(),
		AbortOnFailedTest: a.options.AbortOnFailedTest,
		TimeoutMS:         a.options.TimeoutMS,
	}
	entity, err := a.harness.NewTestServiceEntity(ctx, params, "batch "+target, a.options.Logger)
	if err != nil {
		return err
	}
	a.current = entity
	return nil
}

// Close disposes of the last run, if any.
func (a *ServiceActivator) Close() {
	a.lock.Lock()
	a.closeCurrent()
	a.lock.Unlock()
}

func (a *ServiceActivator) closeCurrent() {
	if a.current == nil {
		return
	}
	if err := a.current.Close(); err != nil {
		a.options.Logger.Printf("Error disposing of %s: %s", a.current.ResourceURL(), err)
	}
	a.current = nil
}
