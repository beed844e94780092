// Package framework contains the harness side of a batch test run against a test service.
//
// The general model is:
//
// 1. The test harness communicates with a test service, which exposes a root endpoint
// for querying its status (GET) or starting a batch run (POST).
//
// 2. The test harness exposes mock endpoints to receive requests from the test service. A
// ReportReceiver is such an endpoint: it puts numbered report callbacks back into order and
// republishes them on a report channel.
//
// 3. A ServiceActivator lets an orchestrator.Orchestrator hand targets to the test service one
// at a time, and Results collects what came back.
package framework
