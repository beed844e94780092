package framework

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/launchdarkly/batch-test-harness/logging"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

const endpointPathPrefix = "/endpoints/"
const shutdownTimeout = time.Second * 5

type TestHarness struct {
	testServiceBaseURL         string
	testHarnessExternalBaseURL string
	testServiceInfo            TestServiceInfo
	bus                        *reportchannel.Bus
	feed                       http.Handler
	server                     *http.Server
	endpoints                  map[string]*MockEndpoint
	lastEndpointID             int
	logger                     logging.Logger
	lock                       sync.Mutex
}

// NewTestHarness creates a TestHarness instance, and verifies that the test service
// is responding by querying its status resource. It also starts an HTTP listener on the specified
// port to receive callback requests; if the port is zero, an arbitrary free port is used.
//
// Reports received from the test service are republished on bus. The same listener serves a
// websocket feed of any channel on bus, at /channels/{name}.
func NewTestHarness(
	testServiceBaseURL string,
	testHarnessExternalHostname string,
	testHarnessPort int,
	statusQueryTimeout time.Duration,
	bus *reportchannel.Bus,
	debugLogger logging.Logger,
	startupOutput io.Writer,
) (*TestHarness, error) {
	if debugLogger == nil {
		debugLogger = logging.NullLogger()
	}
	if bus == nil {
		bus = reportchannel.NewBus()
	}

	h := &TestHarness{
		testServiceBaseURL: strings.TrimSuffix(testServiceBaseURL, "/"),
		bus:                bus,
		feed:               reportchannel.FeedHandler(bus, debugLogger),
		endpoints:          make(map[string]*MockEndpoint),
		logger:             debugLogger,
	}

	testServiceInfo, err := queryTestServiceInfo(h.testServiceBaseURL, statusQueryTimeout, startupOutput)
	if err != nil {
		return nil, err
	}
	h.testServiceInfo = testServiceInfo

	server, actualPort, err := startServer(testHarnessPort, http.HandlerFunc(h.serveHTTP))
	if err != nil {
		return nil, err
	}
	h.server = server
	h.testHarnessExternalBaseURL = fmt.Sprintf("http://%s:%d", testHarnessExternalHostname, actualPort)

	return h, nil
}

func (h *TestHarness) TestServiceInfo() TestServiceInfo {
	return h.testServiceInfo
}

func (h *TestHarness) TestServiceHasCapability(desired string) bool {
	for _, capability := range h.testServiceInfo.Capabilities {
		if capability == desired {
			return true
		}
	}
	return false
}

// TestServiceHasBatch is true if the test service advertised the specified target in its
// status resource. A service that advertises no batches at all is assumed to accept anything.
func (h *TestHarness) TestServiceHasBatch(target string) bool {
	if len(h.testServiceInfo.Batches) == 0 {
		return true
	}
	for _, b := range h.testServiceInfo.Batches {
		if b == target {
			return true
		}
	}
	return false
}

// Bus returns the report channel bus that incoming reports are published on.
func (h *TestHarness) Bus() *reportchannel.Bus {
	return h.bus
}

// ExternalBaseURL is the base URL that the test service uses to reach the harness.
func (h *TestHarness) ExternalBaseURL() string {
	return h.testHarnessExternalBaseURL
}

// Close stops the harness's HTTP listener.
func (h *TestHarness) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.server.Shutdown(ctx)
}

func (h *TestHarness) serveHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "HEAD" {
		w.WriteHeader(200) // we use this to test whether our own listener is active yet
		return
	}

	if strings.HasPrefix(req.URL.Path, reportchannel.FeedPathPrefix) {
		h.feed.ServeHTTP(w, req)
		return
	}

	if !strings.HasPrefix(req.URL.Path, endpointPathPrefix) {
		h.logger.Printf("Received request for unrecognized URL path %s", req.URL.Path)
		w.WriteHeader(404)
		return
	}
	path := strings.TrimPrefix(req.URL.Path, endpointPathPrefix)
	var endpointID string
	slashPos := strings.Index(path, "/")
	if slashPos >= 0 {
		endpointID = path[0:slashPos]
		path = path[slashPos:]
	} else {
		endpointID = path
		path = ""
	}

	h.lock.Lock()
	e := h.endpoints[endpointID]
	h.lock.Unlock()
	if e == nil {
		h.logger.Printf("Received request for unrecognized endpoint %s", req.URL.Path)
		w.WriteHeader(404)
		return
	}

	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			h.logger.Printf("Unexpected error trying to read request body: %s", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body = data
	}

	e.lock.Lock()
	ctx, canceller := context.WithCancel(req.Context())
	cancellerPtr := &canceller
	e.cancels = append(e.cancels, cancellerPtr)
	e.lock.Unlock()

	transformedReq := req.WithContext(ctx)
	url := *req.URL
	url.Path = path
	transformedReq.URL = &url
	if body != nil {
		transformedReq.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	e.handler.ServeHTTP(w, transformedReq)

	e.lock.Lock()
	for i, c := range e.cancels {
		if c == cancellerPtr { // can't compare functions with ==, but can compare pointers
			e.cancels = append(e.cancels[:i], e.cancels[i+1:]...)
			break
		}
	}
	e.lock.Unlock()
	canceller()
}

// startServer binds the listener before returning, so there is no need to wait for it to
// become active. It returns the port that was actually bound.
func startServer(port int, handler http.Handler) (*http.Server, int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, 0, fmt.Errorf("could not start listener on port %d: %w", port, err)
	}
	server := &http.Server{Handler: handler}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return server, listener.Addr().(*net.TCPAddr).Port, nil
}
