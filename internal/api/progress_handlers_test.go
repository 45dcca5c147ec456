package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/store"
)

func TestProgressHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := &mockProgressRepo{
		runs: []store.Run{
			{
				ID:        uuid.New(),
				Status:    store.RunStopped,
				StartedAt: time.Now().Add(-time.Hour),
			},
		},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=stopped&limit=10", nil)
	rec := httptest.NewRecorder()

	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "stopped", body.Runs[0].Status)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunStopped, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
}

func TestProgressHandlerListRunsClampsLimit(t *testing.T) {
	t.Parallel()

	repo := &mockProgressRepo{}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=100000&offset=5", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxRunLimit, repo.lastLimit)
	require.Equal(t, 5, repo.lastOffset)
	require.Nil(t, repo.lastStatus)
}

func TestProgressHandlerListRunsInvalidStatus(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=bogus", nil)
	rec := httptest.NewRecorder()

	handler.ListRuns(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerListRunsRepoError(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{err: errors.New("db down")}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()

	handler.ListRuns(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProgressHandlerNilRepo(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgressHandlerGetRunNotFound(t *testing.T) {
	t.Parallel()

	repo := &mockProgressRepo{err: store.ErrNotFound}
	handler := NewProgressHandler(repo, zap.NewNop())

	runID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil)
	req = withRunIDParam(req, runID.String())
	rec := httptest.NewRecorder()

	handler.GetRun(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerGetRunInvalidID(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil)
	req = withRunIDParam(req, "nope")
	rec := httptest.NewRecorder()

	handler.GetRun(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerGetRunIncludesError(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	finished := time.Now()
	msg := "handler_fatal: boom"
	repo := &mockProgressRepo{runs: []store.Run{{
		ID:           runID,
		StartedAt:    finished.Add(-time.Minute),
		FinishedAt:   &finished,
		Status:       store.RunFailed,
		ErrorMessage: &msg,
	}}}
	handler := NewProgressHandler(repo, zap.NewNop())
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil), runID.String())
	rec := httptest.NewRecorder()

	handler.GetRun(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, runID.String(), body.Run.ID)
	require.Equal(t, "failed", body.Run.Status)
	require.NotNil(t, body.Run.Error)
	require.Equal(t, msg, *body.Run.Error)
}

func TestProgressHandlerListRunSources(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockProgressRepo{sources: []store.SourceStats{
		{RunID: runID, Source: "A", Enqueued: 3, Processed: 2, Errors: 1, BytesTotal: 42},
	}}
	handler := NewProgressHandler(repo, zap.NewNop())
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/sources", nil), runID.String())
	rec := httptest.NewRecorder()

	handler.ListRunSources(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sources []sourceDTO `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 1)
	require.Equal(t, "A", body.Sources[0].Source)
	require.EqualValues(t, 42, body.Sources[0].BytesTotal)
	require.Equal(t, defaultSourcesLimit, repo.lastLimit)
}

func TestProgressHandlerListRunSourcesInvalidLimit(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockProgressRepo{}, zap.NewNop())
	runID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/sources?limit=-1", nil)
	req = withRunIDParam(req, runID.String())
	rec := httptest.NewRecorder()

	handler.ListRunSources(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseStatusAliases(t *testing.T) {
	t.Parallel()

	cases := map[string]store.RunStatus{
		"running": store.RunRunning,
		"STOPPED": store.RunStopped,
		"done":    store.RunStopped,
		"failed":  store.RunFailed,
		"error":   store.RunFailed,
	}
	for in, want := range cases {
		got, err := parseStatus(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := parseStatus("queued")
	require.Error(t, err)
}

type mockProgressRepo struct {
	runs    []store.Run
	sources []store.SourceStats
	err     error

	lastStatus *store.RunStatus
	lastLimit  int
	lastOffset int
}

func (m *mockProgressRepo) UpsertRunStart(context.Context, uuid.UUID, time.Time) error {
	return m.err
}

func (m *mockProgressRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return m.err
}

func (m *mockProgressRepo) UpsertSourceStats(context.Context, uuid.UUID, string, store.SourceDelta, time.Time) error {
	return m.err
}

func (m *mockProgressRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	if len(m.runs) > 0 {
		return m.runs[0], nil
	}
	return store.Run{}, m.err
}

func (m *mockProgressRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	m.lastStatus, m.lastLimit, m.lastOffset = status, limit, offset
	return m.runs, m.err
}

func (m *mockProgressRepo) ListRunSources(_ context.Context, _ uuid.UUID, limit, offset int) ([]store.SourceStats, error) {
	m.lastLimit, m.lastOffset = limit, offset
	return m.sources, m.err
}

func withRunIDParam(r *http.Request, runID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", runID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
