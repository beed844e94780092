// Package testservice is an execution context that the harness can drive over HTTP. It hosts
// named batches of tests; the harness asks it to run one, and it posts the reports back.
package testservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/launchdarkly/batch-test-harness/executor"
	"github.com/launchdarkly/batch-test-harness/servicedef"
)

// Capabilities advertised in the status resource.
const (
	CapabilityAbortOnFailure = "abort-on-failure"
	CapabilityTimeout        = "timeout"
)

// Options configures a Service. Zero values get defaults.
type Options struct {
	Description string
	Logger      *zap.Logger
	Client      *retryablehttp.Client
	Metrics     *Metrics
}

// Service is the HTTP front end of a Registry.
type Service struct {
	registry *Registry
	options  Options
	runs     map[string]*run
	sendCtx  context.Context
	stopSend context.CancelFunc
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
	lock     sync.Mutex
}

type run struct {
	id     string
	target string
	cancel context.CancelFunc
}

// NewService creates a Service that runs the batches in registry.
func NewService(registry *Registry, options Options) *Service {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Client == nil {
		options.Client = NewCallbackClient()
	}
	if options.Metrics == nil {
		options.Metrics = NewMetrics()
	}
	sendCtx, stopSend := context.WithCancel(context.Background())
	return &Service{
		registry: registry,
		options:  options,
		runs:     make(map[string]*run),
		sendCtx:  sendCtx,
		stopSend: stopSend,
		quit:     make(chan struct{}),
	}
}

// Handler returns the service's HTTP routes.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.getStatus).Methods("GET")
	r.HandleFunc("/", s.postCreateRun).Methods("POST")
	r.HandleFunc("/", s.deleteStopService).Methods("DELETE")
	r.HandleFunc(servicedef.ResourceRunsPrefix+"{id}", s.deleteRun).Methods("DELETE")
	r.Handle("/metrics", s.options.Metrics.Handler()).Methods("GET")
	return r
}

// Done is closed when the harness has asked the service to exit.
func (s *Service) Done() <-chan struct{} {
	return s.quit
}

// Close cancels every run, abandons undelivered callbacks, and waits for the run goroutines
// to finish.
func (s *Service) Close() {
	s.lock.Lock()
	for id, r := range s.runs {
		r.cancel()
		delete(s.runs, id)
	}
	s.lock.Unlock()
	s.stopSend()
	s.wg.Wait()
}

// RunCount is the number of runs that the harness has not yet disposed of.
func (s *Service) RunCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.runs)
}

func (s *Service) getStatus(w http.ResponseWriter, r *http.Request) {
	rep := servicedef.StatusRep{
		Description:  s.options.Description,
		Capabilities: []string{CapabilityAbortOnFailure, CapabilityTimeout},
		Batches:      s.registry.Targets(),
	}
	data, _ := json.Marshal(rep)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Service) postCreateRun(w http.ResponseWriter, r *http.Request) {
	var p servicedef.CreateBatchParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if p.Target == "" || p.CallbackURL == "" {
		http.Error(w, "target and callbackUrl are required", http.StatusBadRequest)
		return
	}
	batch, ok := s.registry.Lookup(p.Target)
	if !ok {
		http.Error(w, "unknown target "+p.Target, http.StatusNotFound)
		return
	}

	opts := executor.Options{
		BeforeEach:        batch.BeforeEach,
		AfterEach:         batch.AfterEach,
		ChannelName:       p.ChannelName,
		AbortOnFailedTest: batch.AbortOnFailedTest,
		Timeout:           batch.Timeout,
		Location:          p.Target,
	}
	if p.AbortOnFailedTest != nil {
		opts.AbortOnFailedTest = *p.AbortOnFailedTest
	}
	if p.TimeoutMS.IsDefined() {
		opts.Timeout = time.Duration(p.TimeoutMS.IntValue()) * time.Millisecond
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{id: id, target: p.Target, cancel: cancel}
	logger := s.options.Logger.With(zap.String("run", id), zap.String("target", p.Target))
	opts.Logger = printfLogger{logger.Sugar()}
	// Callbacks are not tied to the run's context. Only Close stops them.
	opener := &callbackOpener{ctx: s.sendCtx, client: s.options.Client, baseURL: p.CallbackURL, logger: logger}

	s.lock.Lock()
	s.runs[id] = rn
	s.wg.Add(1)
	s.lock.Unlock()

	logger.Info("starting batch", zap.Int("tests", len(batch.Tests)), zap.Bool("abortOnFailedTest", opts.AbortOnFailedTest))
	go s.execute(ctx, opener, batch.Tests, opts, logger)

	w.Header().Set("Location", servicedef.ResourceRunsPrefix+id)
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) execute(
	ctx context.Context,
	opener *callbackOpener,
	tests executor.Tests,
	opts executor.Options,
	logger *zap.Logger,
) {
	defer s.wg.Done()

	started := time.Now()
	report, err := executor.Run(ctx, opener, tests, opts)
	elapsed := time.Since(started)

	outcome := OutcomePassed
	var failed *executor.TestFailedError
	switch {
	case errors.As(err, &failed):
		outcome = OutcomeAborted
	case err != nil && ctx.Err() != nil:
		outcome = OutcomeAbandoned
	case err != nil:
		outcome = OutcomeError
	case len(report.Failures()) > 0:
		outcome = OutcomeFailed
	}
	s.options.Metrics.recordBatch(report, outcome, elapsed)

	fields := []zap.Field{zap.String("outcome", outcome), zap.Int("tests", len(report.Summary)),
		zap.Int("failures", len(report.Failures())), zap.Duration("elapsed", elapsed)}
	if outcome == OutcomeError {
		logger.Error("batch did not complete", append(fields, zap.Error(err))...)
	} else {
		logger.Info("batch finished", fields...)
	}
}

func (s *Service) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.lock.Lock()
	rn, ok := s.runs[id]
	delete(s.runs, id)
	s.lock.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rn.cancel()
	s.options.Logger.Info("disposed of run", zap.String("run", id), zap.String("target", rn.target))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) deleteStopService(w http.ResponseWriter, r *http.Request) {
	s.options.Logger.Info("test harness asked service to stop")
	w.WriteHeader(http.StatusNoContent)
	s.quitOnce.Do(func() { close(s.quit) })
}

// printfLogger sends executor progress lines to zap.
type printfLogger struct {
	sugar *zap.SugaredLogger
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}
