package testservice

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/launchdarkly/batch-test-harness/executor"
)

// Batch is a set of tests that the service can run for one target.
type Batch struct {
	Tests      executor.Tests
	BeforeEach func()
	AfterEach  func()

	// AbortOnFailedTest and Timeout are defaults; the harness can override both per run.
	AbortOnFailedTest bool
	Timeout           time.Duration
}

// Registry maps target names to batches.
type Registry struct {
	batches map[string]Batch
	lock    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]Batch)}
}

// Register adds a batch. It fails if the target is already taken or the tests are invalid. A
// batch with no tests is allowed; running it publishes only an empty batch report.
func (r *Registry) Register(target string, b Batch) error {
	if target == "" {
		return fmt.Errorf("batch must have a target name")
	}
	if err := b.Tests.Validate(); err != nil {
		return fmt.Errorf("batch %q: %w", target, err)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.batches[target]; ok {
		return fmt.Errorf("target %q is already registered", target)
	}
	r.batches[target] = b
	return nil
}

func (r *Registry) Lookup(target string) (Batch, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	b, ok := r.batches[target]
	return b, ok
}

// Targets returns every registered target, sorted.
func (r *Registry) Targets() []string {
	r.lock.RLock()
	ret := make([]string, 0, len(r.batches))
	for t := range r.batches {
		ret = append(ret, t)
	}
	r.lock.RUnlock()
	sort.Strings(ret)
	return ret
}
