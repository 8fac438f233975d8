package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/report"
	"github.com/ethpandaops/rpgtestoor/pkg/runner"
	"github.com/ethpandaops/rpgtestoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) (*httptest.Server, store.Store, string) {
	t.Helper()

	st := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "rpgtestoor_test_total", Help: "test"}))

	dir := t.TempDir()

	srv := NewServer(testLogger(), cfg, Options{Store: st, ResultsDir: dir, Gatherer: reg}).(*server)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		ts.Close()
		close(srv.done)
	})

	return ts, st, dir
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

func saveRun(t *testing.T, st store.Store, runID string, started int64) {
	t.Helper()

	m := &runner.Metrics{RunID: runID, Assertions: 2}
	m.TestCases.Passed = 1

	_, err := st.SaveReport(context.Background(), &report.Report{
		RunID:     runID,
		StartedAt: time.Unix(started, 0).UTC(),
		Metrics:   m,
		Cases: []report.CaseResult{{
			ID:       "file:/app/customer.test.rpgle#test_create",
			Suite:    "file:/app/customer.test.rpgle",
			Name:     "test_create",
			Status:   report.StatusPassed,
			Duration: 1500 * time.Microsecond,
		}},
	})
	require.NoError(t, err)
}

func TestServer_Health(t *testing.T) {
	ts, _, _ := setupTestServer(t, &config.APIConfig{})

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Runs(t *testing.T) {
	ts, st, _ := setupTestServer(t, &config.APIConfig{})

	saveRun(t, st, "run-1", 1700000000)
	saveRun(t, st, "run-2", 1700000060)

	var list struct {
		Runs []runResponse `json:"runs"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/runs?limit=1", &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run-2", list.Runs[0].RunID)
	assert.Equal(t, report.StatusPassed, list.Runs[0].Status)

	var run runResponse

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/runs/run-1", &run))
	assert.Equal(t, 2, run.Assertions)
	require.Len(t, run.Cases, 1)
	assert.InDelta(t, 1.5, run.Cases[0].DurationMs, 0.0001)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/runs?limit=-1", nil))
}

func TestServer_CaseHistory(t *testing.T) {
	ts, st, _ := setupTestServer(t, &config.APIConfig{})

	saveRun(t, st, "run-1", 1700000000)
	saveRun(t, st, "run-2", 1700000060)

	var body struct {
		History []caseResponse `json:"history"`
	}

	url := ts.URL + "/api/v1/cases/history?id=file:/app/customer.test.rpgle%23test_create"
	require.Equal(t, http.StatusOK, getJSON(t, url, &body))
	assert.Len(t, body.History, 2)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/cases/history", nil))
}

func TestServer_Files(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		ts, _, _ := setupTestServer(t, &config.APIConfig{})

		resp, err := http.Get(ts.URL + "/api/v1/files/x.json") //nolint:noctx // test
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("enabled", func(t *testing.T) {
		ts, _, dir := setupTestServer(t, &config.APIConfig{ServeFiles: true})

		require.NoError(t, os.MkdirAll(filepath.Join(dir, "runs", "1_a"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", "1_a", "metrics.json"), []byte(`{"runId":"a"}`), 0o644))

		var body map[string]string
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/files/runs/1_a/metrics.json", &body))
		assert.Equal(t, "a", body["runId"])
	})
}

func TestServer_Metrics(t *testing.T) {
	ts, _, _ := setupTestServer(t, &config.APIConfig{})

	resp, err := http.Get(ts.URL + "/metrics") //nolint:noctx // test
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rpgtestoor_test_total")
}

func TestServer_RateLimit(t *testing.T) {
	ts, _, _ := setupTestServer(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, getJSON(t, ts.URL+"/api/v1/runs", nil))
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", nil))
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(testLogger(), &config.APIConfig{Listen: "127.0.0.1:0"}, Options{})
	require.NoError(t, srv.Start(context.Background()))

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+srv.Addr()+"/api/v1/health", &body))

	require.NoError(t, srv.Stop())
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	assert.Equal(t, "10.0.0.1", extractIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.9")
	assert.Equal(t, "192.0.2.9", extractIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.7, 10.0.0.1")
	assert.Equal(t, "192.0.2.7", extractIP(req))
}
