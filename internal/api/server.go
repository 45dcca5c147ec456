// Package api exposes the HTTP interface for the ingest service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/metrics"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/progress"
)

// DefaultRequestTimeout bounds every request when Config.RequestTimeout is unset.
const DefaultRequestTimeout = 60 * time.Second

// RunController is the slice of the coordinator the server needs.
type RunController interface {
	RunID() uuid.UUID
	State() pipeline.State
	Progress() progress.Snapshot
	QueueDepth() int
	Cancel()
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey guards mutating routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the live run and the progress repository.
type Server struct {
	router  chi.Router
	run     RunController
	history *ProgressHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. run and history may
// be nil; the corresponding routes then answer 503.
func NewServer(run RunController, history *ProgressHandler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if history == nil {
		history = NewProgressHandler(nil, logger)
	}
	s := &Server{
		run:     run,
		history: history,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/progress", s.getProgress)
		r.Group(func(r chi.Router) {
			if cfg.APIKey != "" {
				r.Use(apiKeyMiddleware(cfg.APIKey))
			}
			r.Post("/cancel", s.cancelRun)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", history.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", history.GetRun)
				r.Get("/sources", history.ListRunSources)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once a run has left Idle.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.run == nil {
		writeError(w, http.StatusServiceUnavailable, "no run attached")
		return
	}
	state := s.run.State()
	if state == pipeline.StateIdle {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(state)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(state)})
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	if s.run == nil {
		writeError(w, http.StatusServiceUnavailable, "no run attached")
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(s.run.Progress(), s.run.QueueDepth()))
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if s.run == nil {
		writeError(w, http.StatusServiceUnavailable, "no run attached")
		return
	}
	state := s.run.State()
	if state.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"run_id": s.run.RunID().String(),
			"status": string(state),
		})
		return
	}
	s.run.Cancel()
	s.logger.Info("run cancellation requested via API", zap.Stringer("run_id", s.run.RunID()))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": s.run.RunID().String(),
		"status": "cancelling",
	})
}

type progressDTO struct {
	RunID      string           `json:"run_id"`
	State      string           `json:"state"`
	Enqueued   int64            `json:"enqueued"`
	Processed  int64            `json:"processed"`
	Duplicates int64            `json:"duplicates"`
	Dropped    int64            `json:"dropped"`
	QueueDepth int              `json:"queue_depth"`
	Errors     map[string]int64 `json:"errors"`
	LastError  string           `json:"last_error,omitempty"`
	FirstFatal string           `json:"first_fatal,omitempty"`
	Cancelled  bool             `json:"cancelled"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

func toProgressDTO(snap progress.Snapshot, depth int) progressDTO {
	dto := progressDTO{
		RunID:      snap.RunID,
		State:      string(snap.State),
		Enqueued:   snap.Enqueued,
		Processed:  snap.Processed,
		Duplicates: snap.Duplicates,
		Dropped:    snap.Dropped,
		QueueDepth: depth,
		Errors:     make(map[string]int64, len(snap.Errors)),
		Cancelled:  snap.Cancelled,
		StartedAt:  timePtr(snap.StartedAt),
		UpdatedAt:  timePtr(snap.UpdatedAt),
		FinishedAt: timePtr(snap.FinishedAt),
	}
	for kind, n := range snap.Errors {
		dto.Errors[string(kind)] = n
	}
	if snap.LastError != nil {
		dto.LastError = snap.LastError.Error()
	}
	if snap.FirstFatal != nil {
		dto.FirstFatal = snap.FirstFatal.Error()
	}
	return dto
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write json failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
