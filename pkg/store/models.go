package store

import (
	"encoding/json"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/report"
	"github.com/ethpandaops/rpgtestoor/pkg/results"
)

// Run is one stored test run.
type Run struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"not null;uniqueIndex"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	Status     string

	// Denormalized metrics.
	DeploymentsFailed  int
	CompilationsPassed int
	CompilationsFailed int
	TestFiles          int
	TestsTotal         int
	TestsPassed        int
	TestsFailed        int
	TestsErrored       int
	TestsSkipped       int
	Assertions         int
	DurationNs         int64
	ElapsedNs          int64

	Cases    []CaseResult     `gorm:"foreignKey:RunRef;constraint:OnDelete:CASCADE"`
	Coverage []CoverageResult `gorm:"foreignKey:RunRef;constraint:OnDelete:CASCADE"`
}

// CaseResult is the stored outcome of one test case.
type CaseResult struct {
	ID         uint   `gorm:"primaryKey"`
	RunRef     uint   `gorm:"not null;index"`
	CaseID     string `gorm:"not null;index"`
	Suite      string `gorm:"index"`
	Name       string
	Status     string
	DurationNs int64
	Reason     string

	// Messages serialized as JSON.
	MessagesJSON string `gorm:"type:text"`
}

// CoverageResult is the stored coverage summary of one source.
type CoverageResult struct {
	ID         uint   `gorm:"primaryKey"`
	RunRef     uint   `gorm:"not null;index"`
	Target     string `gorm:"not null;index"`
	Level      string
	PercentRan string
	Covered    int
	Total      int
	Runs       int
}

// Messages decodes the stored case messages.
func (c *CaseResult) Messages() []results.Message {
	if c.MessagesJSON == "" {
		return nil
	}

	var msgs []results.Message
	if err := json.Unmarshal([]byte(c.MessagesJSON), &msgs); err != nil {
		return nil
	}

	return msgs
}

// FromReport converts a finished run report into its stored form.
func FromReport(rep *report.Report) (*Run, error) {
	run := &Run{
		RunID:      rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Status:     report.StatusPassed,
		Cases:      make([]CaseResult, 0, len(rep.Cases)),
		Coverage:   make([]CoverageResult, 0, len(rep.Coverage)),
	}

	if m := rep.Metrics; m != nil {
		run.DeploymentsFailed = m.Deployments.Failed
		run.CompilationsPassed = m.Compilations.Success
		run.CompilationsFailed = m.Compilations.Failed
		run.TestFiles = m.TestFiles.Total()
		run.TestsTotal = m.TestCases.Total()
		run.TestsPassed = m.TestCases.Passed
		run.TestsFailed = m.TestCases.Failed
		run.TestsErrored = m.TestCases.Errored
		run.TestsSkipped = m.TestCases.Skipped
		run.Assertions = m.Assertions
		run.DurationNs = m.Duration.Nanoseconds()
		run.ElapsedNs = m.Elapsed.Nanoseconds()

		if m.Failed() {
			run.Status = report.StatusFailed
		}
	}

	for _, c := range rep.Cases {
		res := CaseResult{
			CaseID:     c.ID,
			Suite:      c.Suite,
			Name:       c.Name,
			Status:     c.Status,
			DurationNs: c.Duration.Nanoseconds(),
			Reason:     c.Reason,
		}

		if len(c.Messages) > 0 {
			data, err := json.Marshal(c.Messages)
			if err != nil {
				return nil, err
			}

			res.MessagesJSON = string(data)
		}

		run.Cases = append(run.Cases, res)
	}

	for _, f := range rep.Coverage {
		run.Coverage = append(run.Coverage, CoverageResult{
			Target:     f.Target,
			Level:      f.Level,
			PercentRan: f.PercentRan,
			Covered:    f.Covered,
			Total:      f.Total,
			Runs:       f.Runs,
		})
	}

	return run, nil
}
