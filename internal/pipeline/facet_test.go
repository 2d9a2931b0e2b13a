package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/headless"
)

func twoFacetPages() *fakePages {
	return &fakePages{
		facets: []catalog.Facet{
			{Name: "Zinc", Locator: "loc-zinc"},
			{Name: "Iron", Locator: "loc-iron"},
		},
		listings: map[string][]string{
			"loc-zinc": {pdp("100"), pdp("101"), pdp("102")},
			"loc-iron": {pdp("103")},
		},
	}
}

func TestFacetFlowResumesInterruptedFacet(t *testing.T) {
	t.Parallel()

	skus := []string{"100", "101", "102", "103"}

	baseline := newHarness(t, newFakeAPI(skus...), &fakeDiscoverer{}, twoFacetPages(), FacetSettings{})
	_, err := baseline.orch.RunFacetFlow(context.Background(), NewProcessedURLs(), false)
	require.NoError(t, err)
	want, err := baseline.checkpoints.Load(context.Background(), catalog.FlowFacet)
	require.NoError(t, err)

	api := newFakeAPI(skus...)
	h := newHarness(t, api, &fakeDiscoverer{}, twoFacetPages(), FacetSettings{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.cancelOn, api.cancel = "102", cancel

	_, err = h.orch.RunFacetFlow(ctx, NewProcessedURLs(), false)
	require.ErrorIs(t, err, context.Canceled)

	cp, err := h.checkpoints.Load(context.Background(), catalog.FlowFacet)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, cp.Cursor, "the interrupted facet is listed again on resume")
	assert.ElementsMatch(t, []string{pdp("100"), pdp("101")}, cp.ProcessedKeys)
	assert.False(t, cp.Completed)

	res, err := h.orch.RunFacetFlow(context.Background(), NewProcessedURLs(), false)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Skipped)

	got, err := h.checkpoints.Load(context.Background(), catalog.FlowFacet)
	require.NoError(t, err)
	assert.ElementsMatch(t, want.ProcessedKeys, got.ProcessedKeys)
	for _, sku := range skus {
		assert.False(t, h.record(t, pdp(sku)).IsDeleted)
	}
}

func TestFacetFlowCanceledWhileListingKeepsCursor(t *testing.T) {
	t.Parallel()

	pages := twoFacetPages()
	pages.block = make(chan struct{})
	pages.started = make(chan struct{})
	h := newHarness(t, newFakeAPI("100", "101", "102", "103"), &fakeDiscoverer{}, pages, FacetSettings{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-pages.started
		cancel()
	}()
	_, err := h.orch.RunFacetFlow(ctx, NewProcessedURLs(), false)
	require.ErrorIs(t, err, context.Canceled)

	cp, err := h.checkpoints.Load(context.Background(), catalog.FlowFacet)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, cp.Cursor)
	assert.Len(t, cp.Facets, 2)
	assert.Empty(t, h.api.calls())
}

func TestRunWithDisabledExtractorDoesNotSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	discovery := &fakeDiscoverer{urls: []catalog.ProductURL{{Key: "100", URL: pdp("100")}}}
	h := newHarness(t, newFakeAPI("100"), discovery, &fakePages{}, FacetSettings{})
	h.orch.deps.Pages = headless.Noop{}
	facetOnly := pdp("900")
	h.seed(t, facetOnly)

	res, err := h.orch.Run(ctx, Options{})
	require.ErrorIs(t, err, ErrFlowsAborted)
	assert.False(t, res.Success)

	facet := res.Flows[catalog.FlowFacet]
	assert.True(t, facet.Aborted)
	assert.Contains(t, facet.Err, ErrPagesDisabled.Error())
	assert.True(t, res.Flows[catalog.FlowSitemap].Completed)

	assert.False(t, res.Reconciled.Ran)
	assert.False(t, h.record(t, facetOnly).IsDeleted)
}

func TestFacetFlowWithoutListedProductsAborts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pages := &fakePages{facets: []catalog.Facet{{Name: "Zinc", Locator: "loc-zinc"}}}
	discovery := &fakeDiscoverer{urls: []catalog.ProductURL{{Key: "100", URL: pdp("100")}}}
	h := newHarness(t, newFakeAPI("100"), discovery, pages, FacetSettings{})
	facetOnly := pdp("900")
	h.seed(t, facetOnly)

	res, err := h.orch.Run(ctx, Options{})
	require.ErrorIs(t, err, ErrFlowsAborted)

	facet := res.Flows[catalog.FlowFacet]
	assert.True(t, facet.Aborted)
	assert.Contains(t, facet.Err, ErrNoFacetProducts.Error())
	assert.False(t, res.Reconciled.Ran)
	assert.False(t, h.record(t, facetOnly).IsDeleted)

	cp, err := h.checkpoints.Load(ctx, catalog.FlowFacet)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, cp.Cursor)
	assert.Empty(t, cp.Facets, "facets are enumerated again on the next run")
}

func TestPagesEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, pagesEnabled(nil))
	assert.False(t, pagesEnabled(headless.Noop{}))
	assert.True(t, pagesEnabled(&fakePages{}))
}
