package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileServer_IsAllowedPath(t *testing.T) {
	srv := newLocalFileServer(logrus.New(), "/data/results")

	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "valid simple path", path: "runs/1700000000_abc/results.json", expected: true},
		{name: "valid top level file", path: "index.json", expected: true},
		{name: "empty path", path: "", expected: false},
		{name: "path traversal", path: "runs/../../etc/passwd", expected: false},
		{name: "dot dot only", path: "..", expected: false},
		{name: "absolute path", path: "/etc/passwd", expected: false},
		{name: "trailing slash", path: "runs/abc/", expected: false},
		{name: "double slash", path: "runs//abc", expected: false},
		{name: "dot segment", path: "runs/./abc", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, srv.isAllowedPath(tt.path))
		})
	}
}

func TestLocalFileServer_ServeFile(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "runs", "1700000000_abc")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(
		t, os.WriteFile(
			filepath.Join(runDir, "results.json"),
			[]byte(`{"ok":true}`), 0o644,
		),
	)

	srv := newLocalFileServer(logrus.New(), root)

	t.Run("serves existing file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/1700000000_abc/results.json", nil)
		rec := httptest.NewRecorder()

		err := srv.ServeFile(rec, req, "runs/1700000000_abc/results.json")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `{"ok":true}`)
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/1700000000_abc/nope.json", nil)

		err := srv.ServeFile(httptest.NewRecorder(), req, "runs/1700000000_abc/nope.json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("does not list directories", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)

		err := srv.ServeFile(httptest.NewRecorder(), req, "runs")
		require.Error(t, err)
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		err := srv.ServeFile(httptest.NewRecorder(), req, "../../etc/passwd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not allowed")
	})
}
