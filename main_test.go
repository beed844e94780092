package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/batch-test-harness/executor"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
	"github.com/launchdarkly/batch-test-harness/testservice"
)

func init() {
	color.NoColor = true
}

func startTestService(t *testing.T) *httptest.Server {
	registry := testservice.NewRegistry()
	require.NoError(t, registry.Register("good", testservice.Batch{Tests: executor.Tests{}.
		Add("works", func(*executor.T) {})}))
	require.NoError(t, registry.Register("bad", testservice.Batch{Tests: executor.Tests{}.
		Add("works", func(*executor.T) {}).
		Add("breaks", func(t *executor.T) { t.Errorf("broken\nbadly") })}))
	require.NoError(t, registry.Register("hang", testservice.Batch{Timeout: time.Minute, Tests: executor.Tests{}.
		Add("forever", func(t *executor.T) { <-t.Context().Done() })}))

	s := testservice.NewService(registry, testservice.Options{})
	server := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		server.Close()
		s.Close()
	})
	return server
}

func runHarness(t *testing.T, args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), append([]string{"harness", "-port", "0"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRunPassingTarget(t *testing.T) {
	server := startTestService(t)
	code, out, errOut := runHarness(t, "-url", server.URL, "-target", "good")
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Starting tests ...")
	assert.Contains(t, out, "[1/1] Testing good ...")
	assert.Contains(t, out, "  ✔ works")
	assert.Contains(t, out, "[Done] All tests finished")
	assert.NotContains(t, out, "To rerun")
}

func TestRunFailingTarget(t *testing.T) {
	server := startTestService(t)
	code, out, _ := runHarness(t, "-url", server.URL, "-target", "good", "-target", "bad")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "[1/2] Testing good ...")
	require.Contains(t, out, "[2/2] Testing bad ...")
	badOutput := out[strings.Index(out, "[2/2] Testing bad ..."):]
	assert.Contains(t, badOutput, "  ✔ works\n  ✘ breaks\n      broken\n      badly\n")
	assert.NotContains(t, out, "Timeout running tests")
	assert.Contains(t, out, "FAILED TESTS:")
	assert.Contains(t, out, "-target bad -debug")
}

func TestRunTimedOutTarget(t *testing.T) {
	server := startTestService(t)
	code, out, _ := runHarness(t, "-url", server.URL, "-target", "hang", "-target", "good", "-timeout-ms", "300")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "✘ Timeout running tests: hang")
	assert.NotContains(t, out, "Testing good")
	assert.Contains(t, out, "-target hang -debug")
}

func TestRunSelectsTargetsByFilter(t *testing.T) {
	server := startTestService(t)
	code, out, errOut := runHarness(t, "-url", server.URL, "-run", "^go")
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Testing good")
	assert.NotContains(t, out, "Testing bad")
}

func TestRunWithNoTargetsFails(t *testing.T) {
	server := startTestService(t)
	code, _, errOut := runHarness(t, "-url", server.URL, "-run", "nothing-matches")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "No targets to run")
}

func TestRunInvalidParameters(t *testing.T) {
	code, _, errOut := runHarness(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Invalid parameters")
}

func TestConsoleReporterDumpsDebugOnFailure(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf, true, false)
	r.BatchStarted(0, 2, "Testing x ...")
	r.Printf("created run %d", 1)
	r.OnBatchDone(reportchannel.BatchReport{Location: "x", Summary: []reportchannel.TestReport{
		{Name: "a", Location: "x", Status: reportchannel.StatusFailed, Error: "e"}}})
	out := buf.String()
	assert.Contains(t, out, "[1/2] Testing x ...")
	assert.Contains(t, out, "FAILED: x")
	assert.Contains(t, out, "DEBUG ")
	assert.Contains(t, out, "created run 1")

	buf.Reset()
	r.OnBatchDone(reportchannel.BatchReport{Location: "y", Summary: []reportchannel.TestReport{
		{Name: "a", Location: "y", Status: reportchannel.StatusFailed, Error: "e"}}})
	assert.NotContains(t, buf.String(), "created run 1")
}

func TestConsoleReporterHidesDebugOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf, true, false)
	r.Printf("noise")
	r.OnBatchDone(reportchannel.BatchReport{Location: "x", Summary: []reportchannel.TestReport{
		{Name: "a", Location: "x", Status: reportchannel.StatusPassed}}})
	assert.Empty(t, buf.String())
}
