// Package gateway exposes the build pipeline over HTTP: submit a build,
// read its result snapshot, and stream its event log over a WebSocket.
// The same package hosts the daemon that runs pipeline workers, the
// janitor and the notify dispatcher behind that HTTP surface.
package gateway

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/pipeline"
)

const (
	// maxReplayEventsPerStream bounds how much of a build's event log a
	// single WebSocket subscribe replays. Clients further behind get a
	// backpressure close and must refetch the snapshot first.
	maxReplayEventsPerStream = 64

	// maxRequestBody caps REST request bodies. Build requests are short
	// natural-language sentences; a megabyte is already generous.
	maxRequestBody = 1 << 20
)

type Config struct {
	Store        *persistence.Store
	Orchestrator *pipeline.Orchestrator
	Bus          *bus.Bus

	// AuthToken guards every endpoint except /healthz. Empty disables
	// auth, which is acceptable only because the default bind address
	// is loopback.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser
	// clients, both CORS on the REST endpoints and the WebSocket
	// handshake. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg Config
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("gateway: persistence store is required")
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("gateway: orchestrator is required")
	case cfg.Bus == nil:
		return nil, fmt.Errorf("gateway: event bus is required")
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/builds", s.handleBuilds)
	mux.HandleFunc("/v1/builds/", s.handleBuildByID)
	return corsMiddleware(s.cfg.AllowOrigins, sizeLimitMiddleware(maxRequestBody, mux))
}

// authorize checks the bearer token. The query parameter form exists
// for browser WebSocket clients, which cannot set request headers.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if v := r.URL.Query().Get("token"); v != "" {
		presented = v
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	counts, err := s.cfg.Store.Counts(ctx)
	dbOK := err == nil

	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"builds":  counts,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}

	buildID, created, err := s.cfg.Orchestrator.Submit(r.Context(), req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"build_id": buildID,
		"created":  created,
	})
}

func (s *Server) handleBuildByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// Path: /v1/builds/{id} or /v1/builds/{id}/events
	rest := strings.TrimPrefix(r.URL.Path, "/v1/builds/")
	parts := strings.SplitN(rest, "/", 2)
	buildID := parts[0]
	if buildID == "" {
		http.Error(w, "build_id required", http.StatusBadRequest)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "events" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.handleBuildEvents(w, r, buildID)
		return
	}

	res, err := s.cfg.Orchestrator.Snapshot(r.Context(), buildID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// corsMiddleware reflects allowlisted origins on REST responses so a
// browser dashboard can call the API. The WebSocket handshake enforces
// the same list through OriginPatterns.
func corsMiddleware(allowOrigins []string, next http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return next
	}
	allowAll := false
	origins := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sizeLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// notFoundAsStatus maps store lookup errors to an HTTP status.
func notFoundAsStatus(err error) int {
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
