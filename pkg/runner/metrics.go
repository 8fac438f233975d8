package runner

import (
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/results"
)

// Counts tallies a stage that either succeeds, fails or is skipped.
type Counts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Outcomes tallies test files or test cases by outcome.
type Outcomes struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// Total returns the number of items counted.
func (o Outcomes) Total() int {
	return o.Passed + o.Failed + o.Errored + o.Skipped
}

func (o *Outcomes) add(status results.Status) {
	switch status {
	case results.StatusPassed:
		o.Passed++
	case results.StatusFailed:
		o.Failed++
	default:
		o.Errored++
	}
}

// Metrics accumulates over one Run. Duration is the sum of reported test
// case times; Elapsed is the wall clock time of the run.
type Metrics struct {
	RunID        string        `json:"runId"`
	Deployments  Counts        `json:"deployments"`
	Compilations Counts        `json:"compilations"`
	TestFiles    Outcomes      `json:"testFiles"`
	TestCases    Outcomes      `json:"testCases"`
	Duration     time.Duration `json:"duration"`
	Assertions   int           `json:"assertions"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Failed reports whether any deployment, compilation or test did not pass.
func (m *Metrics) Failed() bool {
	return m.Deployments.Failed > 0 ||
		m.Compilations.Failed > 0 ||
		m.TestCases.Failed > 0 ||
		m.TestCases.Errored > 0
}
