package framework

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

// Results collects the batch reports of a run, in the order the batches finished.
type Results struct {
	batches  []reportchannel.BatchReport
	runError error
	lock     sync.Mutex
}

// TestFailure identifies one failed test within a batch.
type TestFailure struct {
	Location string
	Name     string
	Message  string
}

func (f TestFailure) Error() string {
	return fmt.Sprintf("[%s/%s]: %s", f.Location, f.Name, f.Message)
}

// OnBatchDone is an orchestrator.BatchObserver.
func (r *Results) OnBatchDone(report reportchannel.BatchReport) {
	r.lock.Lock()
	r.batches = append(r.batches, report)
	r.lock.Unlock()
}

// SetRunError records the error that ended the run early, if any.
func (r *Results) SetRunError(err error) {
	r.lock.Lock()
	r.runError = err
	r.lock.Unlock()
}

func (r *Results) RunError() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.runError
}

func (r *Results) Batches() []reportchannel.BatchReport {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]reportchannel.BatchReport(nil), r.batches...)
}

func (r *Results) Failures() []TestFailure {
	var ret []TestFailure
	for _, b := range r.Batches() {
		for _, t := range b.Failures() {
			ret = append(ret, TestFailure{Location: b.Location, Name: t.Name, Message: t.Error})
		}
	}
	return ret
}

// OK is true if the run completed and no test failed.
func (r *Results) OK() bool {
	return r.RunError() == nil && len(r.Failures()) == 0
}

// PrintResults writes a per-target summary table, followed by the failure details.
func PrintResults(w io.Writer, r *Results) {
	batches := r.Batches()
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Target", "Tests", "Passed", "Failed"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
	})

	var total, failed int
	for _, b := range batches {
		n := len(b.Summary)
		f := len(b.Failures())
		t.AppendRow(table.Row{b.Location, n, n - f, f})
		total += n
		failed += f
	}
	t.AppendFooter(table.Row{"TOTAL", total, total - failed, failed})
	t.Render()

	failures := r.Failures()
	if len(failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FAILED TESTS:")
		for _, f := range failures {
			fmt.Fprintf(w, "  * %s/%s\n", f.Location, f.Name)
			for _, line := range strings.Split(f.Message, "\n") {
				fmt.Fprintf(w, "      %s\n", line)
			}
		}
	}
	if err := r.RunError(); err != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Run did not complete: %s\n", err)
	}
}
