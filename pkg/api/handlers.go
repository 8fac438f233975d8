package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/results"
	"github.com/ethpandaops/rpgtestoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

type runResponse struct {
	RunID              string    `json:"run_id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Status             string    `json:"status"`
	DeploymentsFailed  int       `json:"deployments_failed"`
	CompilationsPassed int       `json:"compilations_passed"`
	CompilationsFailed int       `json:"compilations_failed"`
	TestFiles          int       `json:"test_files"`
	TestsTotal         int       `json:"tests_total"`
	TestsPassed        int       `json:"tests_passed"`
	TestsFailed        int       `json:"tests_failed"`
	TestsErrored       int       `json:"tests_errored"`
	TestsSkipped       int       `json:"tests_skipped"`
	Assertions         int       `json:"assertions"`
	DurationMs         int64     `json:"duration_ms"`
	ElapsedMs          int64     `json:"elapsed_ms"`

	Cases    []caseResponse     `json:"cases,omitempty"`
	Coverage []coverageResponse `json:"coverage,omitempty"`
}

type caseResponse struct {
	ID         string            `json:"id"`
	Suite      string            `json:"suite"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	DurationMs float64           `json:"duration_ms"`
	Reason     string            `json:"reason,omitempty"`
	Messages   []results.Message `json:"messages,omitempty"`
}

type coverageResponse struct {
	Target     string `json:"target"`
	Level      string `json:"level"`
	PercentRan string `json:"percent_ran"`
	Covered    int    `json:"covered"`
	Total      int    `json:"total"`
	Runs       int    `json:"runs"`
}

func toRunResponse(run *store.Run) runResponse {
	resp := runResponse{
		RunID:              run.RunID,
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
		Status:             run.Status,
		DeploymentsFailed:  run.DeploymentsFailed,
		CompilationsPassed: run.CompilationsPassed,
		CompilationsFailed: run.CompilationsFailed,
		TestFiles:          run.TestFiles,
		TestsTotal:         run.TestsTotal,
		TestsPassed:        run.TestsPassed,
		TestsFailed:        run.TestsFailed,
		TestsErrored:       run.TestsErrored,
		TestsSkipped:       run.TestsSkipped,
		Assertions:         run.Assertions,
		DurationMs:         time.Duration(run.DurationNs).Milliseconds(),
		ElapsedMs:          time.Duration(run.ElapsedNs).Milliseconds(),
	}

	for i := range run.Cases {
		resp.Cases = append(resp.Cases, toCaseResponse(&run.Cases[i]))
	}

	for _, c := range run.Coverage {
		resp.Coverage = append(resp.Coverage, coverageResponse{
			Target:     c.Target,
			Level:      c.Level,
			PercentRan: c.PercentRan,
			Covered:    c.Covered,
			Total:      c.Total,
			Runs:       c.Runs,
		})
	}

	return resp
}

func toCaseResponse(c *store.CaseResult) caseResponse {
	return caseResponse{
		ID:         c.CaseID,
		Suite:      c.Suite,
		Name:       c.Name,
		Status:     c.Status,
		DurationMs: float64(c.DurationNs) / float64(time.Millisecond),
		Reason:     c.Reason,
		Messages:   c.Messages(),
	}
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns stored runs newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultListLimit)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

		return
	}

	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid offset"})

		return
	}

	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	resp := make([]runResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, toRunResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": resp})
}

// handleGetRun returns one run with its cases and coverage.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// handleCaseHistory returns the latest results of one test case.
func (s *server) handleCaseHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"id is required"})

		return
	}

	limit, ok := queryInt(r, "limit", defaultListLimit)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

		return
	}

	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	cases, err := s.store.ListCaseHistory(r.Context(), id, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list case history")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	}

	resp := make([]caseResponse, 0, len(cases))
	for i := range cases {
		resp = append(resp, toCaseResponse(&cases[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "history": resp})
}

// handleFileRequest serves a report file from the results directory.
func (s *server) handleFileRequest(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")

	if err := s.localServer.ServeFile(w, r, filePath); err != nil {
		s.log.WithError(err).Debug("File request rejected")
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})
	}
}
