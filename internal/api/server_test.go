package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/config"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/storage/memory"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Start(ctx context.Context, opts pipeline.Options) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *mockRunner) Status() pipeline.Status {
	args := m.Called()
	return args.Get(0).(pipeline.Status)
}

type fakeBackfill struct {
	err     error
	started int
	status  pipeline.BackfillStatus
}

func (f *fakeBackfill) Start(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.started++
	return nil
}

func (f *fakeBackfill) Status() pipeline.BackfillStatus { return f.status }

func testConfig() config.Config {
	return config.Config{Source: config.SourceConfig{Name: "nahdi"}}
}

func serve(t *testing.T, s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_StartRun_Accepted(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("Start", mock.Anything, pipeline.Options{
		Flows:        []catalog.Flow{catalog.FlowSitemap},
		Descriptions: true,
	}).Return("run-1", nil).Once()
	s := NewServer(context.Background(), Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/runs", []byte(`{"flows":["Sitemap"],"descriptions":true}`), nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "accepted", body["status"])
	runner.AssertExpectations(t)
}

func TestServer_StartRun_AllFlowsWithEmptyBody(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("Start", mock.Anything, pipeline.Options{}).Return("run-2", nil).Once()
	s := NewServer(context.Background(), Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/runs", nil, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	runner.AssertExpectations(t)
}

func TestServer_StartRun_UnknownFlow(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	s := NewServer(context.Background(), Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/runs", []byte(`{"flows":["bogus"]}`), nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	runner.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestServer_StartRun_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := NewServer(context.Background(), Deps{Runner: &mockRunner{}}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/runs", []byte(`{"flows":`), nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_StartRun_Conflict(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("Start", mock.Anything, mock.Anything).Return("", pipeline.ErrRunActive)
	s := NewServer(context.Background(), Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/runs", []byte(`{}`), nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_StartRun_InternalError(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("Start", mock.Anything, mock.Anything).Return("", errors.New("id exhausted"))
	s := NewServer(context.Background(), Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/runs", []byte(`{}`), nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RunStatus(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	runner := &mockRunner{}
	runner.On("Status").Return(pipeline.Status{Running: true, RunID: "run-9", StartedAt: &started})
	s := NewServer(context.Background(), Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/runs/status", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run-9"`)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("Status").Return(pipeline.Status{})
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	s := NewServer(context.Background(), Deps{Runner: runner}, cfg, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/runs/status", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/runs/status", nil, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/runs/status?api_key=secret", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	healthy := NewServer(context.Background(), Deps{
		Runner: &mockRunner{},
		Checks: map[string]ReadinessCheck{"db": func(context.Context) error { return nil }},
	}, testConfig(), zap.NewNop())
	rec := serve(t, healthy, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	broken := NewServer(context.Background(), Deps{
		Runner: &mockRunner{},
		Checks: map[string]ReadinessCheck{
			"db":    func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		},
	}, testConfig(), zap.NewNop())
	rec = serve(t, broken, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
	assert.NotContains(t, rec.Body.String(), `"db"`)
}

func TestServer_Backfill(t *testing.T) {
	t.Parallel()

	backfill := &fakeBackfill{status: pipeline.BackfillStatus{Last: &pipeline.BackfillResult{Processed: 4, Updated: 3, Failed: 1}}}
	s := NewServer(context.Background(), Deps{Runner: &mockRunner{}, Backfill: backfill}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/descriptions/backfill", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, backfill.started)

	rec = serve(t, s, http.MethodGet, "/v1/descriptions/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"updated":3`)

	backfill.err = pipeline.ErrRunActive
	rec = serve(t, s, http.MethodPost, "/v1/descriptions/backfill", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_BackfillNotConfigured(t *testing.T) {
	t.Parallel()

	s := NewServer(context.Background(), Deps{Runner: &mockRunner{}}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/descriptions/backfill", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(t, s, http.MethodGet, "/v1/descriptions/status", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RunHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := memory.NewRunStore()
	first := "0190a8a4-0000-7000-8000-000000000001"
	second := "0190a8a4-0000-7000-8000-000000000002"
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, runs.StartRun(ctx, first, "nahdi", base))
	require.NoError(t, runs.FinishRun(ctx, catalog.RunResult{
		RunID:      first,
		Source:     "nahdi",
		FinishedAt: base.Add(time.Hour),
		Flows:      map[catalog.Flow]catalog.FlowResult{catalog.FlowSitemap: {Flow: catalog.FlowSitemap, Processed: 7}},
		Success:    true,
	}, nil))
	require.NoError(t, runs.StartRun(ctx, second, "nahdi", base.Add(2*time.Hour)))
	s := NewServer(ctx, Deps{Runner: &mockRunner{}, Runs: runs}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []catalog.RunLog `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, second, list.Runs[0].RunID)

	rec = serve(t, s, http.MethodGet, "/v1/runs?status=succeeded", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, 7, list.Runs[0].Processed)

	rec = serve(t, s, http.MethodGet, "/v1/runs/"+first, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"succeeded"`)

	rec = serve(t, s, http.MethodGet, "/v1/runs/0190a8a4-0000-7000-8000-0000000000ff", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/runs/not-a-uuid", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/runs?status=paused", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/runs?limit=0", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunHistoryUnavailable(t *testing.T) {
	t.Parallel()

	s := NewServer(context.Background(), Deps{Runner: &mockRunner{}}, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/runs", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
