// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/results"
	"github.com/ethpandaops/rpgtestoor/pkg/runner"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "rpgtestoor"

// Observer is a runner.Observer that records Prometheus metrics.
type Observer struct {
	runner.BaseObserver

	testCases        *prometheus.CounterVec
	testCaseDuration *prometheus.HistogramVec
	compilations     *prometheus.CounterVec
	warnings         prometheus.Counter
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	assertions       prometheus.Counter
	coveragePercent  *prometheus.GaugeVec
}

var _ runner.Observer = (*Observer)(nil)

// NewObserver registers the run metrics with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)

	return &Observer{
		testCases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "test_cases_total",
			Help:      "Test case outcomes by status",
		}, []string{"status"}),
		testCaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "test_case_duration_seconds",
			Help:      "Reported test case durations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"status"}),
		compilations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "compilations_total",
			Help:      "Test program compilations by result",
		}, []string{"result"}),
		warnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "warnings_total",
			Help:      "Non-fatal diagnostics reported during runs",
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Finished runs by result",
		}, []string{"result"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock time of finished runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		assertions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "assertions_total",
			Help:      "Assertions executed by test cases",
		}),
		coveragePercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "coverage_percent",
			Help:      "Share of executed active lines of the last run",
		}, []string{"target", "level"}),
	}
}

func (o *Observer) observe(status string, d time.Duration) {
	o.testCases.WithLabelValues(status).Inc()

	if d > 0 {
		o.testCaseDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

func (o *Observer) Passed(_ suite.Item, d time.Duration) {
	o.observe(results.StatusPassed.String(), d)
}

func (o *Observer) Failed(_ suite.Item, _ []results.Message, d time.Duration) {
	o.observe(results.StatusFailed.String(), d)
}

func (o *Observer) Errored(_ suite.Item, _ []results.Message, d time.Duration) {
	o.observe(results.StatusErrored.String(), d)
}

func (o *Observer) Skipped(_ suite.Item, _ string) {
	o.observe("skipped", 0)
}

func (o *Observer) Compiled(_ *suite.TestSuite, _ []results.Message, ok bool) {
	if ok {
		o.compilations.WithLabelValues("success").Inc()
	} else {
		o.compilations.WithLabelValues("failure").Inc()
	}
}

func (o *Observer) Warning(_ suite.Item, _ string) {
	o.warnings.Inc()
}

func (o *Observer) Finished(m *runner.Metrics, merged []*coverage.Merged) {
	result := "success"
	if m.Failed() {
		result = "failure"
	}

	o.runs.WithLabelValues(result).Inc()
	o.runDuration.Observe(m.Elapsed.Seconds())
	o.assertions.Add(float64(m.Assertions))

	for _, c := range merged {
		lines := len(c.ActiveLines)
		if lines == 0 {
			continue
		}

		o.coveragePercent.WithLabelValues(c.Target, string(c.Level)).
			Set(float64(c.Covered()) / float64(lines) * 100)
	}
}
