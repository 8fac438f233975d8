// Package report records run events and writes them as JSON files.
package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/coverage"
	"github.com/ethpandaops/rpgtestoor/pkg/fsutil"
	"github.com/ethpandaops/rpgtestoor/pkg/results"
	"github.com/ethpandaops/rpgtestoor/pkg/runner"
	"github.com/ethpandaops/rpgtestoor/pkg/suite"
)

const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusErrored = "errored"
	StatusSkipped = "skipped"

	ResultsFile      = "results.json"
	CoverageFileName = "coverage.json"
	MetricsFile      = "metrics.json"

	runsDir = "runs"
)

// CaseResult is the outcome of one test case, or of a suite when the
// result could not be tied to a declared case.
type CaseResult struct {
	ID       string            `json:"id"`
	Suite    string            `json:"suite"`
	Name     string            `json:"name"`
	Status   string            `json:"status"`
	Duration time.Duration     `json:"duration"`
	Messages []results.Message `json:"messages,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Compilation is the outcome of compiling one suite.
type Compilation struct {
	Suite      string            `json:"suite"`
	SystemName string            `json:"systemName"`
	Success    bool              `json:"success"`
	Messages   []results.Message `json:"messages,omitempty"`
}

// Warning is a non-fatal diagnostic attached to an item.
type Warning struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// CoverageFile is the merged coverage of one source.
type CoverageFile struct {
	Target      string                `json:"target"`
	Level       string                `json:"level"`
	Basename    string                `json:"basename"`
	Path        string                `json:"path"`
	Signatures  []string              `json:"signatures,omitempty"`
	PercentRan  string                `json:"percentRan"`
	Covered     int                   `json:"covered"`
	Total       int                   `json:"total"`
	Runs        int                   `json:"runs"`
	ActiveLines map[int]coverage.Line `json:"activeLines"`
}

// Report is everything known about one finished run.
type Report struct {
	RunID        string          `json:"runId"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	Cases        []CaseResult    `json:"cases"`
	Compilations []Compilation   `json:"compilations"`
	Warnings     []Warning       `json:"warnings"`
	Metrics      *runner.Metrics `json:"metrics"`
	Coverage     []CoverageFile  `json:"coverage"`
}

// Recorder is a runner.Observer that builds a Report.
type Recorder struct {
	runner.BaseObserver

	mu     sync.Mutex
	report Report
	now    func() time.Time
}

var _ runner.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder. The report's start time is taken now.
func NewRecorder() *Recorder {
	r := &Recorder{now: time.Now}
	r.report.StartedAt = r.now().UTC()

	return r
}

func (r *Recorder) addCase(item suite.Item, status string, msgs []results.Message, d time.Duration, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := CaseResult{
		ID:       item.ID(),
		Name:     item.Label(),
		Status:   status,
		Duration: d,
		Messages: msgs,
		Reason:   reason,
	}

	switch v := item.(type) {
	case *suite.TestCase:
		res.Suite = v.Suite.ID()
	case *suite.TestSuite:
		res.Suite = v.ID()
	}

	r.report.Cases = append(r.report.Cases, res)
}

func (r *Recorder) Passed(item suite.Item, d time.Duration) {
	r.addCase(item, StatusPassed, nil, d, "")
}

func (r *Recorder) Failed(item suite.Item, msgs []results.Message, d time.Duration) {
	r.addCase(item, StatusFailed, msgs, d, "")
}

func (r *Recorder) Errored(item suite.Item, msgs []results.Message, d time.Duration) {
	r.addCase(item, StatusErrored, msgs, d, "")
}

func (r *Recorder) Skipped(item suite.Item, reason string) {
	r.addCase(item, StatusSkipped, nil, 0, reason)
}

func (r *Recorder) Compiled(s *suite.TestSuite, msgs []results.Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Compilations = append(r.report.Compilations, Compilation{
		Suite:      s.ID(),
		SystemName: s.SystemName,
		Success:    ok,
		Messages:   msgs,
	})
}

func (r *Recorder) Warning(item suite.Item, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Warnings = append(r.report.Warnings, Warning{ID: item.ID(), Message: msg})
}

func (r *Recorder) Finished(m *runner.Metrics, merged []*coverage.Merged) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.RunID = m.RunID
	r.report.FinishedAt = r.now().UTC()
	r.report.Metrics = m
	r.report.Coverage = CoverageFiles(merged)
}

// Report returns a copy of the report recorded so far.
func (r *Recorder) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.report
	cp.Cases = append([]CaseResult(nil), r.report.Cases...)
	cp.Compilations = append([]Compilation(nil), r.report.Compilations...)
	cp.Warnings = append([]Warning(nil), r.report.Warnings...)
	cp.Coverage = append([]CoverageFile(nil), r.report.Coverage...)

	return &cp
}

// CoverageFiles converts merged coverage to its report form, ordered by target.
func CoverageFiles(merged []*coverage.Merged) []CoverageFile {
	files := make([]CoverageFile, 0, len(merged))

	for _, m := range merged {
		files = append(files, CoverageFile{
			Target:      m.Target,
			Level:       string(m.Level),
			Basename:    m.Basename,
			Path:        m.Path,
			Signatures:  m.Signatures,
			PercentRan:  m.PercentRan(),
			Covered:     m.Covered(),
			Total:       len(m.ActiveLines),
			Runs:        m.Runs,
			ActiveLines: m.ActiveLines,
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Target != files[j].Target {
			return files[i].Target < files[j].Target
		}

		return files[i].Level < files[j].Level
	})

	return files
}

// RunDir returns the directory a report is written to.
func RunDir(resultsDir string, rep *Report) string {
	return filepath.Join(resultsDir, runsDir, fmt.Sprintf("%d_%s", rep.StartedAt.Unix(), rep.RunID))
}

// Write stores the report under resultsDir/runs/<unix>_<runid>/ and returns
// that directory.
func Write(resultsDir string, rep *Report, owner *fsutil.OwnerConfig) (string, error) {
	if rep.RunID == "" {
		return "", fmt.Errorf("report has no run id")
	}

	dir := RunDir(resultsDir, rep)

	if err := fsutil.MkdirAll(dir, 0755, owner); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	doc := struct {
		RunID        string        `json:"runId"`
		StartedAt    time.Time     `json:"startedAt"`
		FinishedAt   time.Time     `json:"finishedAt"`
		Cases        []CaseResult  `json:"cases"`
		Compilations []Compilation `json:"compilations"`
		Warnings     []Warning     `json:"warnings"`
	}{
		RunID:        rep.RunID,
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
		Cases:        nonNil(rep.Cases),
		Compilations: nonNil(rep.Compilations),
		Warnings:     nonNil(rep.Warnings),
	}

	// results.json goes last: a run directory holding it is complete.
	files := []struct {
		name string
		v    any
	}{
		{MetricsFile, rep.Metrics},
		{CoverageFileName, nonNil(rep.Coverage)},
		{ResultsFile, doc},
	}

	for _, f := range files {
		if err := writeFile(filepath.Join(dir, f.name), f.v, owner); err != nil {
			return "", fmt.Errorf("writing %s: %w", f.name, err)
		}
	}

	return dir, nil
}

// writeFile is swapped in tests to observe the write order.
var writeFile = fsutil.WriteJSON

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}
