package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

var (
	passMark    = color.New(color.FgGreen).SprintFunc()
	failMark    = color.New(color.FgRed).SprintFunc()
	timeoutLine = color.New(color.FgRed, color.Bold).SprintFunc()
	batchLabel  = color.New(color.Bold).SprintFunc()
)

// ConsoleReporter prints each target's progress as reports arrive. It is also the
// orchestrator's Indicator, and a Logger that captures harness debug output per target.
type ConsoleReporter struct {
	out                  io.Writer
	debugOutputOnFailure bool
	debugOutputOnSuccess bool
	debug                logging.CapturingLogger
	lock                 sync.Mutex
}

func NewConsoleReporter(out io.Writer, debugOnFailure, debugAll bool) *ConsoleReporter {
	return &ConsoleReporter{
		out:                  out,
		debugOutputOnFailure: debugOnFailure || debugAll,
		debugOutputOnSuccess: debugAll,
	}
}

// Printf captures a debug line for the current target.
func (c *ConsoleReporter) Printf(format string, args ...interface{}) {
	c.debug.Printf(format, args...)
}

func (c *ConsoleReporter) BatchStarted(cursor, total int, label string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	fmt.Fprintf(c.out, "[%d/%d] %s\n", cursor+1, total, batchLabel(label))
}

func (c *ConsoleReporter) BatchTimedOut(target string, timeout time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	fmt.Fprintf(c.out, "%s\n", timeoutLine(fmt.Sprintf("✘ Timeout running tests: %s (no batch report within %s)", target, timeout)))
	if c.debugOutputOnFailure {
		c.dumpDebug()
	}
}

// OnTest is an orchestrator.TestObserver.
func (c *ConsoleReporter) OnTest(r reportchannel.TestReport) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !r.Failed() {
		fmt.Fprintf(c.out, "  %s %s\n", passMark("✔"), r.Name)
		return
	}
	fmt.Fprintf(c.out, "  %s %s\n", failMark("✘"), r.Name)
	for _, line := range strings.Split(r.Error, "\n") {
		fmt.Fprintf(c.out, "      %s\n", line)
	}
}

// OnBatchDone is an orchestrator.BatchObserver.
func (c *ConsoleReporter) OnBatchDone(b reportchannel.BatchReport) {
	c.lock.Lock()
	defer c.lock.Unlock()
	failed := len(b.Failures()) > 0
	if failed {
		fmt.Fprintf(c.out, "  %s\n", failMark(fmt.Sprintf("FAILED: %s", b.Location)))
	}
	if (failed && c.debugOutputOnFailure) || (!failed && c.debugOutputOnSuccess) {
		c.dumpDebug()
	}
	c.debug.Reset()
}

func (c *ConsoleReporter) dumpDebug() {
	if output := c.debug.Output(); len(output) > 0 {
		output.Dump(c.out, "    DEBUG ")
	}
}
