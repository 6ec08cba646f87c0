package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssetsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>dashboard</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o600))
	return dir
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := New(Options{Clients: func() int { return 3 }})

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthResponse{Status: "ok", Clients: 3}, body)
}

func TestHealth_Stats(t *testing.T) {
	t.Parallel()
	stats := Stats{Broadcasts: 4, Delivered: 7, Pruned: 1, CommandsQueued: 2, CommandsRejected: 5}
	h := New(Options{Stats: func() Stats { return stats }})

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Stats)
	assert.Equal(t, stats, *body.Stats)
}

func TestConfig(t *testing.T) {
	t.Parallel()

	t.Run("reported summary", func(t *testing.T) {
		h := New(Options{ConfigSummary: func() any {
			return map[string]any{"decayRate": 0.5}
		}})

		rec := get(t, h, "/api/config")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"decayRate":0.5}`, rec.Body.String())
	})

	t.Run("no reporter", func(t *testing.T) {
		rec := get(t, New(Options{}), "/api/config")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{}`, rec.Body.String())
	})
}

func TestStatic(t *testing.T) {
	t.Parallel()
	h := New(Options{AssetsDir: newAssetsDir(t)})

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantType    string
		wantContent string
	}{
		{"root", "/", http.StatusOK, "text/html; charset=utf-8", "dashboard"},
		{"asset", "/assets/app.js", http.StatusOK, "application/javascript; charset=utf-8", "console.log"},
		{"spa fallback", "/players/alex", http.StatusOK, "text/html; charset=utf-8", "dashboard"},
		{"missing asset", "/assets/missing.js", http.StatusNotFound, "application/json", "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.wantContent)
		})
	}
}

func TestStatic_NoAssets(t *testing.T) {
	t.Parallel()
	rec := get(t, New(Options{}), "/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
