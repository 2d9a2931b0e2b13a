package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/config"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Checkpoint.Backend = "memory"
	cfg.DB.Backend = "memory"
	cfg.PubSub.ProjectID = ""
	cfg.Headless.Enabled = false
	return &cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestBuildWithMemoryBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := BuildWithLogger(ctx, memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	assert.NotNil(t, app.Orchestrator())
	assert.NotNil(t, app.Images())
	assert.NotNil(t, app.ProductAPI())
	assert.NotNil(t, app.Runs())
	assert.Nil(t, app.Backfiller())
	assert.False(t, app.Orchestrator().Status().Running)

	h := app.Handler(ctx)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/v1/runs").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/descriptions/backfill", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildWithLocalStorageAndBlobCheckpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = t.TempDir()
	cfg.Checkpoint.Backend = "blob"
	app, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	stats, err := app.Images().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Keys)
}

func TestBuildWithRedisCheckpointsReportsReadiness(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Checkpoint.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	app, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	h := app.Handler(ctx)
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	mr.Close()
	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*config.Config){
		"storage":    func(c *config.Config) { c.Storage.Backend = "ftp" },
		"db":         func(c *config.Config) { c.DB.Backend = "sqlite" },
		"checkpoint": func(c *config.Config) { c.Checkpoint.Backend = "etcd" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := memoryConfig(t)
			mutate(cfg)
			_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestBuildRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := BuildWithLogger(context.Background(), nil, nil)
	require.Error(t, err)
}
