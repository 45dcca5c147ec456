package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/store"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 500
	defaultSourcesLimit = 100
	maxSourcesLimit     = 1000
	progressTimeout     = 3 * time.Second
)

// ProgressHandler exposes read-only run history endpoints.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statusParam := strings.TrimSpace(r.URL.Query().Get("status"))
	var status *store.RunStatus
	if statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunDTOs(runs),
	})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} on success,
// 400 for malformed IDs, 404 when the repository reports store.ErrNotFound,
// 503 if the repo is not initialized, or 500 otherwise.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunSources handles GET /v1/runs/{run_id}/sources?limit=&offset=.
func (h *ProgressHandler) ListRunSources(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSourcesLimit, maxSourcesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sources, err := h.repo.ListRunSources(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list run sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": toSourceDTOs(sources),
	})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := chi.URLParam(r, "run_id")
	if runIDStr == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "stopped", "done":
		return store.RunStopped, nil
	case "failed", "error":
		return store.RunFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.Run) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

func toSourceDTOs(in []store.SourceStats) []sourceDTO {
	out := make([]sourceDTO, 0, len(in))
	for _, s := range in {
		out = append(out, sourceDTO{
			Source:     s.Source,
			LastUpdate: s.LastUpdate,
			Enqueued:   s.Enqueued,
			Processed:  s.Processed,
			Duplicates: s.Duplicates,
			Errors:     s.Errors,
			BytesTotal: s.BytesTotal,
		})
	}
	return out
}

type runDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type sourceDTO struct {
	Source     string    `json:"source"`
	LastUpdate time.Time `json:"last_update"`
	Enqueued   int64     `json:"enqueued"`
	Processed  int64     `json:"processed"`
	Duplicates int64     `json:"duplicates"`
	Errors     int64     `json:"errors"`
	BytesTotal int64     `json:"bytes_total"`
}
