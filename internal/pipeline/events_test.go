package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/sitemap"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func stagesOf(events []progress.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Stage)
		if e.Flow != "" {
			out[i] += ":" + string(e.Flow)
		}
	}
	return out
}

func TestRunEmitsProgressEvents(t *testing.T) {
	t.Parallel()

	pages := &fakePages{
		facets:   []catalog.Facet{{Name: "Iron", Locator: "loc-iron"}},
		listings: map[string][]string{"loc-iron": {pdp("200")}},
	}
	h := newHarness(t, newFakeAPI("200"), &fakeDiscoverer{err: sitemap.ErrNoSitemaps}, pages, FacetSettings{})

	_, err := h.orch.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrFlowsAborted)

	events := h.events.all()
	assert.Equal(t, []string{
		"RUN_START",
		"FLOW_START:facet",
		"BATCH_DONE:facet",
		"FLOW_DONE:facet",
		"FLOW_START:sitemap",
		"FLOW_ABORT:sitemap",
		"RUN_FAILED",
	}, stagesOf(events))

	for _, e := range events {
		assert.Equal(t, "run-1", e.RunID)
		require.NoError(t, e.Validate())
	}
	assert.Equal(t, 1, events[2].Processed)
	assert.Contains(t, events[5].Note, sitemap.ErrNoSitemaps.Error())
	assert.Equal(t, 1, events[6].Processed)
	assert.Contains(t, events[6].Note, ErrFlowsAborted.Error())
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	pages := &fakePages{
		facets:   []catalog.Facet{{Name: "Iron", Locator: "loc-iron"}},
		listings: map[string][]string{"loc-iron": {pdp("200")}},
	}
	h := newHarness(t, newFakeAPI("200"), &fakeDiscoverer{err: sitemap.ErrNoSitemaps}, pages, FacetSettings{})

	_, err := h.orch.Run(context.Background(), Options{})
	require.Error(t, err)

	spans := h.spans.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "pipeline.flow", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "pipeline.flow", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "pipeline.run", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.Equal(t, spans[2].SpanContext().TraceID(), spans[0].SpanContext().TraceID())
}

func TestSitemapBatchesEmitCursor(t *testing.T) {
	t.Parallel()

	discovery := &fakeDiscoverer{urls: []catalog.ProductURL{
		{Key: "100", URL: pdp("100")},
		{Key: "101", URL: pdp("101")},
		{Key: "102", URL: pdp("102")},
	}}
	h := newHarness(t, newFakeAPI("100", "101", "102"), discovery, &fakePages{}, FacetSettings{})

	res, err := h.orch.Run(context.Background(), Options{Flows: []catalog.Flow{catalog.FlowSitemap}})
	require.NoError(t, err)
	assert.True(t, res.Success)

	var cursors []int
	var last progress.Event
	for _, e := range h.events.all() {
		if e.Stage == progress.StageBatchDone {
			cursors = append(cursors, e.Cursor)
		}
		last = e
	}
	assert.Equal(t, []int{2, 3}, cursors)
	assert.Equal(t, progress.StageRunDone, last.Stage)
	assert.Equal(t, 3, last.Processed)
}

func TestFlowsOutsideRunEmitNothing(t *testing.T) {
	t.Parallel()

	discovery := &fakeDiscoverer{urls: []catalog.ProductURL{{Key: "100", URL: pdp("100")}}}
	h := newHarness(t, newFakeAPI("100"), discovery, &fakePages{}, FacetSettings{})

	_, err := h.orch.RunSitemapFlow(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Empty(t, h.events.all())
}
