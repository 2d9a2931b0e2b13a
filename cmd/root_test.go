package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/config"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/imagecache"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/sitemap"
)

type fakeRunner struct {
	opts    []pipeline.Options
	result  catalog.RunResult
	err     error
	refresh sitemap.Result
}

func (f *fakeRunner) Run(_ context.Context, opts pipeline.Options) (catalog.RunResult, error) {
	f.opts = append(f.opts, opts)
	return f.result, f.err
}

func (f *fakeRunner) RefreshImages(context.Context) (sitemap.Result, error) {
	return f.refresh, nil
}

type fakeBackfill struct {
	res pipeline.BackfillResult
}

func (f *fakeBackfill) Run(context.Context) (pipeline.BackfillResult, error) { return f.res, nil }

type fakeImages struct {
	stats imagecache.Stats
	keys  map[string][]string
}

func (f *fakeImages) Stats(context.Context) (imagecache.Stats, error) { return f.stats, nil }

func (f *fakeImages) Lookup(_ context.Context, key, _ string) []string { return f.keys[key] }

type fakePinger struct {
	skus []string
}

func (f *fakePinger) Ping(_ context.Context, sku string) (catalog.APIProduct, error) {
	f.skus = append(f.skus, sku)
	return catalog.APIProduct{Name: "Panadol Extra", Price: 12.5}, nil
}

type fakeApp struct {
	cfg      *config.Config
	runner   *fakeRunner
	backfill Backfill
	images   *fakeImages
	pinger   *fakePinger
	closed   int
	served   int
}

func (f *fakeApp) Close(context.Context)  { f.closed++ }
func (f *fakeApp) Logger() *zap.Logger    { return zap.NewNop() }
func (f *fakeApp) Config() *config.Config { return f.cfg }
func (f *fakeApp) Runner() Runner         { return f.runner }
func (f *fakeApp) Backfill() Backfill     { return f.backfill }
func (f *fakeApp) ImageCache() ImageStats { return f.images }
func (f *fakeApp) Pinger() ProductPinger  { return f.pinger }
func (f *fakeApp) Serve(context.Context) error {
	f.served++
	return nil
}

func newFakeApp() *fakeApp {
	return &fakeApp{
		runner: &fakeRunner{result: catalog.RunResult{RunID: "run-1", Success: true}},
		images: &fakeImages{
			stats: imagecache.Stats{Chunks: 2, Keys: 3, Bytes: 100},
			keys:  map[string][]string{"100541896": {"https://img.example/1.jpg"}},
		},
		pinger: &fakePinger{},
	}
}

func runCLI(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	factory := func(_ context.Context, cfg *config.Config) (App, error) {
		app.cfg = cfg
		return app, nil
	}
	var out, errOut bytes.Buffer
	err := execute(context.Background(), args, factory, &out, &errOut)
	return out.String(), err
}

func TestRunCommandDefaultsToAllFlows(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	out, err := runCLI(t, app, "run")
	require.NoError(t, err)

	require.Len(t, app.runner.opts, 1)
	assert.Nil(t, app.runner.opts[0].Flows)
	assert.False(t, app.runner.opts[0].Descriptions)
	assert.Contains(t, out, `"run_id": "run-1"`)
	assert.Equal(t, 1, app.closed)
}

func TestRunCommandParsesFlowsAndDescriptions(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	_, err := runCLI(t, app, "run", "--flow", "sitemap,facet", "--descriptions")
	require.NoError(t, err)

	require.Len(t, app.runner.opts, 1)
	assert.Equal(t, []catalog.Flow{catalog.FlowSitemap, catalog.FlowFacet}, app.runner.opts[0].Flows)
	assert.True(t, app.runner.opts[0].Descriptions)
}

func TestRunCommandRejectsUnknownFlow(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	_, err := runCLI(t, app, "run", "--flow", "catalog")
	require.Error(t, err)
	assert.Empty(t, app.runner.opts)
}

func TestRunCommandFailsWhenFlowsAbort(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.runner.result = catalog.RunResult{RunID: "run-2"}
	app.runner.err = pipeline.ErrFlowsAborted
	out, err := runCLI(t, app, "run")
	require.ErrorIs(t, err, pipeline.ErrFlowsAborted)
	assert.Contains(t, out, "run-2")
	assert.Equal(t, 1, app.closed)
}

func TestRefreshImagesCommand(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.runner.refresh = sitemap.Result{
		SitemapURLs: []string{"a", "b"},
		ProductURLs: []catalog.ProductURL{{}},
		ImageKeys:   5,
	}
	out, err := runCLI(t, app, "refresh-images")
	require.NoError(t, err)
	assert.Contains(t, out, `"sitemaps": 2`)
	assert.Contains(t, out, `"image_keys": 5`)
}

func TestTestAPICommandUsesPingSKU(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	out, err := runCLI(t, app, "test-api")
	require.NoError(t, err)
	assert.Equal(t, []string{"100541896"}, app.pinger.skus)
	assert.Contains(t, out, "Panadol Extra")

	_, err = runCLI(t, app, "test-api", "--sku", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", app.pinger.skus[1])
}

func TestCacheStatsCommand(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	out, err := runCLI(t, app, "cache-stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"keys": 3`)

	out, err = runCLI(t, app, "cache-stats", "--key", "100541896")
	require.NoError(t, err)
	assert.Contains(t, out, "https://img.example/1.jpg")
}

func TestBackfillCommand(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	_, err := runCLI(t, app, "backfill-descriptions")
	require.Error(t, err)

	app.backfill = &fakeBackfill{res: pipeline.BackfillResult{Processed: 2, Updated: 2}}
	out, err := runCLI(t, app, "backfill-descriptions")
	require.NoError(t, err)
	assert.Contains(t, out, `"updated": 2`)
}

func TestServeCommand(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	_, err := runCLI(t, app, "serve")
	require.NoError(t, err)
	assert.Equal(t, 1, app.served)
}

func TestFactoryErrorIsReported(t *testing.T) {
	t.Parallel()

	factory := func(context.Context, *config.Config) (App, error) {
		return nil, errors.New("no database")
	}
	var out, errOut bytes.Buffer
	err := execute(context.Background(), []string{"run"}, factory, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
}
