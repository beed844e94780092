package testservice

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

const metricsNamespace = "testservice"

// Batch outcomes, as recorded in batches_total.
const (
	OutcomePassed    = "passed"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeAbandoned = "abandoned"
	OutcomeError     = "error"
)

// Metrics are kept in their own registry so that several services can live in one process.
type Metrics struct {
	registry      *prometheus.Registry
	testsTotal    *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
	batchDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		testsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tests_total",
			Help:      "Tests run, by status.",
		}, []string{"status"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Batch runs, by outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "batch_duration_seconds",
			Help:      "Time taken by each batch run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	m.registry.MustRegister(m.testsTotal, m.batchesTotal, m.batchDuration)
	return m
}

func (m *Metrics) recordBatch(report reportchannel.BatchReport, outcome string, elapsed time.Duration) {
	for _, t := range report.Summary {
		m.testsTotal.WithLabelValues(string(t.Status)).Inc()
	}
	m.batchesTotal.WithLabelValues(outcome).Inc()
	m.batchDuration.Observe(elapsed.Seconds())
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
