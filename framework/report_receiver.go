package framework

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
	"github.com/launchdarkly/batch-test-harness/servicedef"
)

const callbackQueueSize = 100

// ReportReceiver is a mock endpoint that accepts report callbacks from the test service and
// republishes them, in their original order, on a report channel of the harness's bus.
//
// Every run gets its own callback URL from NewRun. The test service posts each message to that
// URL + "/" + a sequence number starting at 1. Requests can arrive out of order or be retried,
// so they go through a MessageSortingQueue that belongs to the run. Starting a new run retires
// the previous one, and callbacks for a retired run get a 404.
type ReportReceiver struct {
	endpoint  *MockEndpoint
	channel   *reportchannel.Channel
	logger    logging.Logger
	current   string
	queue     *MessageSortingQueue
	lastRunID int
	closed    bool
	consumers sync.WaitGroup
	lock      sync.Mutex
}

// NewReportReceiver creates a ReportReceiver for the named channel.
func (h *TestHarness) NewReportReceiver(channelName string, logger logging.Logger) *ReportReceiver {
	if logger == nil {
		logger = h.logger
	}
	r := &ReportReceiver{
		channel: h.bus.Open(channelName),
		logger:  logger,
	}
	r.endpoint = h.NewMockEndpoint(http.HandlerFunc(r.handleCallback),
		fmt.Sprintf("report receiver for %q", r.channel.Name()), logger)
	return r
}

// BaseURL is the base path of the receiver's endpoint. Run callback URLs are below it.
func (r *ReportReceiver) BaseURL() string {
	return r.endpoint.BaseURL()
}

// ChannelName is the report channel that received messages are published on.
func (r *ReportReceiver) ChannelName() string {
	return r.channel.Name()
}

// NewRun retires the current run, if any, and returns the callback URL for a new one whose
// sequence numbers start again at 1.
func (r *ReportReceiver) NewRun() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.queue != nil {
		r.queue.Close()
	}
	r.lastRunID++
	r.current = strconv.Itoa(r.lastRunID)
	r.queue = NewMessageSortingQueue(callbackQueueSize)
	if r.closed {
		r.queue.Close()
	} else {
		r.consumers.Add(1)
		go r.consumeCallbacks(r.queue)
	}
	return r.BaseURL() + "/" + r.current
}

// Close stops accepting callbacks, waits for already accepted messages to be published, and
// closes the channel handle.
func (r *ReportReceiver) Close() {
	r.endpoint.Close()
	r.lock.Lock()
	r.closed = true
	if r.queue != nil {
		r.queue.Close()
	}
	r.lock.Unlock()
	r.consumers.Wait()
	r.channel.Close()
}

func (r *ReportReceiver) handleCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if name := req.Header.Get(servicedef.ChannelHeader); name != r.channel.Name() {
		r.logger.Printf("Rejected callback for channel %q on receiver for %q", name, r.channel.Name())
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Body == nil {
		r.logger.Printf("Error: %s", errors.New("got callback request with no body"))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer func() { _ = req.Body.Close() }()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		r.logger.Printf("Error reading callback request body: %s", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	runID, counter, ok := parseCallbackPath(req.URL.Path)
	if !ok {
		r.logger.Printf("Callback request had invalid path %q", req.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	r.lock.Lock()
	queue := r.queue
	if runID != r.current {
		queue = nil
	}
	r.lock.Unlock()
	if queue == nil {
		r.logger.Printf("Dropped callback %d for run %q, which is not the current run", counter, runID)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !queue.Accept(counter, data) {
		r.logger.Printf("Dropped duplicate or late callback %d for run %s", counter, runID)
	}
	w.WriteHeader(http.StatusAccepted)
}

// parseCallbackPath splits "/{run}/{seq}".
func parseCallbackPath(path string) (string, int, bool) {
	runID, seq, found := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !found || runID == "" {
		return "", 0, false
	}
	counter, err := strconv.Atoi(seq)
	if err != nil || counter < 1 {
		return "", 0, false
	}
	return runID, counter, true
}

func (r *ReportReceiver) consumeCallbacks(queue *MessageSortingQueue) {
	defer r.consumers.Done()
	for data := range queue.C {
		m, err := reportchannel.ParseMessage(data)
		if err != nil {
			// Pass it on as a message of no known type, so the orchestrator treats it as the
			// protocol violation it is instead of it disappearing here.
			r.logger.Printf("Error: %s", err)
			raw, _ := json.Marshal(string(data))
			m = reportchannel.Message{Type: "", Data: raw}
		} else {
			r.logger.Printf("Received: %s", string(data))
		}
		if err := r.channel.Publish(m); err != nil {
			r.logger.Printf("Could not republish report: %s", err)
		}
	}
}
