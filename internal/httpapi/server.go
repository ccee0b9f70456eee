// ============================================================================
// hostbridge HTTP API - metrics and debug endpoints
// ============================================================================
//
// Package: internal/httpapi
// File: server.go
// Purpose: Operator-facing HTTP surface of the daemon.
//
// Routes:
//   GET    /healthz            200 while the bridge runs, 503 otherwise
//   GET    /metrics            Prometheus exposition
//   GET    /debug/stats        per-status record counts
//   GET    /debug/tasks        active tasks with elapsed times
//   GET    /debug/tasks/{id}   one task
//   DELETE /debug/tasks/{id}   cancel a cancellable task
//   POST   /debug/ping         round trip through the host thread
//
// Error mapping for /debug/ping:
//   bridge.ErrTimeout        → 504
//   bridge.ErrBridgeShutdown → 503
//   bridge.ErrQueueOverflow  → 429
//   *HostExecutionError      → 500
//
// ============================================================================

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// Bridge is the part of *bridge.Bridge the API uses
type Bridge interface {
	RunOnHost(ctx context.Context, op bridge.Operation, opts ...bridge.SubmitOption) (any, error)
	Cancel(id types.TaskID) bool
	ActiveTasks() []types.TaskInfo
	Task(id types.TaskID) (types.TaskInfo, bool)
	Stats() types.Stats
	IsRunning() bool
}

// Server holds the router and its dependencies
type Server struct {
	bridge   Bridge
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	router   chi.Router
}

// NewServer builds the router. A nil gatherer uses prometheus.DefaultGatherer.
func NewServer(b Bridge, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		bridge:   b,
		gatherer: gatherer,
		log:      log.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/debug", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Post("/ping", s.ping)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on lis until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if !s.bridge.IsRunning() {
		http.Error(w, "bridge not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Stats())
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.ActiveTasks())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	info, ok := s.bridge.Task(id)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	if _, ok := s.bridge.Task(id); !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if !s.bridge.Cancel(id) {
		http.Error(w, "task is not cancellable", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pingResponse struct {
	RoundTripMs float64 `json:"round_trip_ms"`
	HostTime    string  `json:"host_time"`
}

// ping submits a no-op to the host thread. ?timeout=2s overrides the
// bridge default.
func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	var opts []bridge.SubmitOption
	opts = append(opts, bridge.WithName("debug_ping"))
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, bridge.WithTimeout(d))
	}

	start := time.Now()
	v, err := s.bridge.RunOnHost(r.Context(), func(context.Context) (any, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	}, opts...)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	hostTime, _ := v.(string)
	writeJSON(w, http.StatusOK, pingResponse{
		RoundTripMs: float64(time.Since(start).Microseconds()) / 1000,
		HostTime:    hostTime,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrBridgeShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrQueueOverflow):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
