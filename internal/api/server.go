// Package api serves the pipeline controller over HTTP: JSON endpoints to
// start, cancel and inspect runs, and a Server-Sent Events stream of
// progress events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
	"github.com/dusk-indust/reconstruct/internal/status"
)

// Pipeline is the controller surface the server drives.
type Pipeline interface {
	StartRange(projectPath string, r orchestrator.Range) error
	CancelPipeline()
	Snapshot() orchestrator.Snapshot
	Config() orchestrator.Config
	Subscribe() <-chan orchestrator.ProgressEvent
	Unsubscribe(ch <-chan orchestrator.ProgressEvent)
}

// StartRequest is the body of POST /pipeline/start.
type StartRequest struct {
	Project string `json:"project"`
	// Range is "full", "sparse", "dense" or "a..b". Empty means full.
	Range string `json:"range,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Options configures a Server.
type Options struct {
	// History backs GET /history. Optional.
	History *history.Store
	Logger  *slog.Logger
	// KeepAlive is the SSE comment interval. Zero uses 15s.
	KeepAlive time.Duration
}

// Server is the HTTP front end of one Pipeline.
type Server struct {
	pipeline  Pipeline
	history   *history.Store
	logger    *slog.Logger
	keepAlive time.Duration
	http      *http.Server
	cancel    context.CancelFunc
}

// NewServer creates a Server for p.
func NewServer(p Pipeline, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &Server{pipeline: p, history: opts.History, logger: logger, keepAlive: keepAlive}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pipeline/start", s.handleStart)
	mux.HandleFunc("POST /pipeline/cancel", s.handleCancel)
	mux.HandleFunc("GET /pipeline/status", s.handleStatus)
	mux.HandleFunc("GET /pipeline/events", s.handleEvents)
	mux.HandleFunc("GET /projects/status", s.handleProjectStatus)
	mux.HandleFunc("GET /stages", s.handleStages)
	mux.HandleFunc("GET /history", s.handleHistory)
	return mux
}

// Start binds addr and serves in a background goroutine. It returns the
// bound address, which differs from addr when addr uses port 0.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("api: listen %s: %w", addr, err)
	}
	// Event streams never go idle; cancelling their base context lets
	// Shutdown complete.
	base, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	s.logger.Info("api listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "project is required")
		return
	}
	rng := orchestrator.RangeFull
	if req.Range != "" {
		var ok bool
		if rng, ok = orchestrator.ParseRange(req.Range); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid range %q", req.Range))
			return
		}
	}

	err := s.pipeline.StartRange(req.Project, rng)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, s.pipeline.Snapshot())
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.pipeline.CancelPipeline()
	writeJSON(w, http.StatusAccepted, s.pipeline.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

// handleEvents streams every progress event until the client goes away or
// the controller is closed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch := s.pipeline.Subscribe()
	defer s.pipeline.Unsubscribe(ch)

	sw := NewSSEWriter(w)
	sw.Init()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.WriteEvent(ev); err != nil {
				s.logger.Debug("sse client gone", "error", err)
				return
			}
		case <-ticker.C:
			if err := sw.Comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, status.Scan(path))
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orchestrator.DetectTools(s.pipeline.Config()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
