// Package httpapi serves the dashboard side of the debug server: static assets,
// the host configuration summary and a health probe.
package httpapi

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/luciancaetano/simwatch/internal/logging"
)

// Options configures the handler.
type Options struct {
	// AssetsDir holds the dashboard build. Static routes answer 404 when empty.
	AssetsDir string
	// ConfigSummary returns the body of GET /api/config. Nil yields an empty object.
	ConfigSummary func() any
	// Clients returns the number of OPEN WebSocket connections.
	Clients func() int
	// Stats returns the traffic counters reported by GET /health. Nil omits them.
	Stats  func() Stats
	Logger *slog.Logger
}

// Stats counts broadcast and command traffic since the server started.
type Stats struct {
	Broadcasts       int64 `json:"broadcasts"`
	Delivered        int64 `json:"delivered"`
	Pruned           int64 `json:"pruned"`
	CommandsQueued   int64 `json:"commandsQueued"`
	CommandsRejected int64 `json:"commandsRejected"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Stats   *Stats `json:"stats,omitempty"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler routes dashboard requests.
type Handler struct {
	opts   Options
	assets fs.FS
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates the dashboard handler.
func New(opts Options) *Handler {
	h := &Handler{
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: logging.OrNop(opts.Logger),
	}
	if opts.AssetsDir != "" {
		h.assets = os.DirFS(opts.AssetsDir)
	}

	h.mux.HandleFunc("GET /api/config", h.handleConfig)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /", h.handleStatic)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Every response closes the connection so Stop never waits on idle keep-alives.
	w.Header().Set("Connection", "close")
	h.mux.ServeHTTP(w, r)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// handleConfig handles GET /api/config.
func (h *Handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	var summary any = struct{}{}
	if h.opts.ConfigSummary != nil {
		if s := h.opts.ConfigSummary(); s != nil {
			summary = s
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if h.opts.Clients != nil {
		clients = h.opts.Clients()
	}
	resp := HealthResponse{Status: "ok", Clients: clients}
	if h.opts.Stats != nil {
		stats := h.opts.Stats()
		resp.Stats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatic serves dashboard files. Paths that match no file fall back to
// index.html so the frontend router can take over, except under /assets/ where a
// missing file is a real 404.
func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	if h.assets == nil {
		writeError(w, http.StatusNotFound, "not_found", "dashboard assets are not configured")
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	data, err := fs.ReadFile(h.assets, name)
	if err != nil && !strings.HasPrefix(name, "assets/") {
		name = "index.html"
		data, err = fs.ReadFile(h.assets, name)
	}
	if err != nil {
		h.logger.Debug("dashboard file not found", "path", r.URL.Path)
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}

	w.Header().Set("Content-Type", contentType(name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentType(name string) string {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".html":
		return "text/html; charset=utf-8"
	case ".js", ".mjs":
		return "application/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".json":
		return "application/json"
	case ".svg":
		return "image/svg+xml"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
