package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/launchdarkly/batch-test-harness/framework"
	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/orchestrator"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

const defaultPort = 8111
const statusQueryTimeout = time.Second * 10

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	var params commandParams
	if err := params.Read(args, errOut); err != nil {
		fmt.Fprintf(errOut, "Invalid parameters: %s\n", err)
		return 1
	}

	mainDebugLogger := logging.NullLogger()
	if params.debugAll {
		mainDebugLogger = log.New(out, "", log.LstdFlags)
	}
	reporter := NewConsoleReporter(out, params.debug, params.debugAll)
	debugLogger := logging.MultiLogger(mainDebugLogger, reporter)

	harness, err := framework.NewTestHarness(
		params.serviceURL,
		params.host,
		params.port,
		statusQueryTimeout,
		reportchannel.NewBus(),
		debugLogger,
		out,
	)
	if err != nil {
		fmt.Fprintf(errOut, "Test service error: %s\n", err)
		return 1
	}
	defer func() { _ = harness.Close() }()

	allTargets := []string(params.targets)
	if len(allTargets) == 0 {
		allTargets = harness.TestServiceInfo().Batches
	}
	targets := framework.FilterTargets(allTargets, params.filters)

	fmt.Fprintln(out)
	framework.PrintFilterDescription(out, params.filters, harness, targets)
	if len(targets) == 0 {
		fmt.Fprintln(errOut, "No targets to run")
		return 1
	}

	receiver := harness.NewReportReceiver(params.channelName, debugLogger)
	defer receiver.Close()
	activator := framework.NewServiceActivator(harness, receiver, framework.ServiceActivatorOptions{
		AbortOnFailedTest: params.abortOnFailedTest,
		Logger:            debugLogger,
	})
	defer activator.Close()

	o, err := orchestrator.New(harness.Bus(), targets, activator, orchestrator.Config{
		ChannelName: params.channelName,
		TestTimeout: params.testTimeout(),
		Indicator:   reporter,
		Logger:      log.New(out, "", 0),
	})
	if err != nil {
		fmt.Fprintf(errOut, "Invalid parameters: %s\n", err)
		return 1
	}

	var results framework.Results
	err = o.Start(ctx, reporter.OnTest, func(b reportchannel.BatchReport) {
		results.OnBatchDone(b)
		reporter.OnBatchDone(b)
	})
	results.SetRunError(err)

	fmt.Fprintln(out)
	framework.PrintResults(out, &results)

	if params.stopServiceAtEnd {
		fmt.Fprintln(out, "Stopping test service")
		if err := harness.StopService(); err != nil {
			fmt.Fprintf(errOut, "Failed to stop test service: %s\n", err)
		}
	}

	if results.OK() {
		return 0
	}
	if target := firstFailedTarget(&results, err); target != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "To rerun the first failing target:")
		fmt.Fprintf(out, "  %s\n", params.rerunCommand(args[0], target))
	}
	return 1
}

func firstFailedTarget(results *framework.Results, runErr error) string {
	if failures := results.Failures(); len(failures) > 0 {
		return failures[0].Location
	}
	var timeout *orchestrator.TimeoutError
	if errors.As(runErr, &timeout) {
		return timeout.Target
	}
	var activation *orchestrator.ActivationError
	if errors.As(runErr, &activation) {
		return activation.Target
	}
	return ""
}
