package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/headless"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/ingest"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/normalize"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/sitemap"
)

// item is one product queued for the API: its key and its canonical page URL.
type item struct {
	sku string
	url string
}

// flowRun carries the state of one flow execution.
type flowRun struct {
	flow         catalog.Flow
	runID        string
	started      time.Time
	cp           *catalog.Checkpoint
	writer       *ingest.Writer
	processed    *ProcessedURLs
	descriptions bool
	logger       *zap.Logger
	result       catalog.FlowResult
}

// RunFacetFlow ingests every product listed under the facet filters. Progress
// is checkpointed after each batch so an interrupted flow resumes at the facet
// it was working on without re-staging processed products.
func (o *Orchestrator) RunFacetFlow(ctx context.Context, processed *ProcessedURLs, descriptions bool) (catalog.FlowResult, error) {
	fr, done, err := o.startFlow(ctx, catalog.FlowFacet, processed, descriptions)
	if err != nil || done {
		return fr.result, err
	}
	if !pagesEnabled(o.deps.Pages) {
		return fr.result, fmt.Errorf("facet flow: %w", ErrPagesDisabled)
	}

	if len(fr.cp.Facets) == 0 {
		facets, err := o.resolveFacets(ctx, fr.logger)
		if err != nil {
			return fr.result, err
		}
		if len(facets) == 0 {
			return fr.result, fmt.Errorf("facet flow: no facets found")
		}
		fr.cp.Facets = facets
		if err := o.save(ctx, fr); err != nil {
			return fr.result, err
		}
	}

	for i := fr.cp.Cursor; i < len(fr.cp.Facets); i++ {
		if err := ctx.Err(); err != nil {
			return o.abortFlow(ctx, fr, err)
		}
		facet := fr.cp.Facets[i]
		urls, err := o.deps.Pages.ExtractProductKeysForFacet(ctx, facet.Locator, o.cfg.Facets.MaxPages)
		if err != nil {
			return o.abortFlow(ctx, fr, fmt.Errorf("list products for facet %q: %w", facet.Name, err))
		}
		if err := ctx.Err(); err != nil {
			return o.abortFlow(ctx, fr, err)
		}
		var items []item
		for _, u := range urls {
			sku := normalize.ProductKey(u)
			if sku == "" {
				continue
			}
			items = append(items, item{sku: sku, url: u})
		}
		fr.logger.Info("facet listed",
			zap.Int("facet", i+1),
			zap.Int("facets", len(fr.cp.Facets)),
			zap.String("name", facet.Name),
			zap.Int("products", len(items)),
		)
		for start := 0; start < len(items); start += o.cfg.FacetBatchSize {
			end := min(start+o.cfg.FacetBatchSize, len(items))
			o.processBatch(ctx, fr, items[start:end], facet.Name)
			if err := ctx.Err(); err != nil {
				// The facet stays at the cursor so its unfetched products are retried.
				return o.abortFlow(ctx, fr, err)
			}
			fr.writer.Flush(ctx)
			if err := o.save(ctx, fr); err != nil {
				return fr.result, err
			}
			o.emitBatch(fr)
		}
		fr.cp.Listed += len(items)
		fr.cp.Advance(i + 1)
		if err := o.save(ctx, fr); err != nil {
			return fr.result, err
		}
	}
	if fr.cp.Listed == 0 {
		// Start over next time instead of resuming past every facet.
		fr.cp = catalog.NewCheckpoint(catalog.FlowFacet)
		return o.abortFlow(ctx, fr, fmt.Errorf("facet flow: %w", ErrNoFacetProducts))
	}
	return o.completeFlow(ctx, fr)
}

// pagesEnabled reports whether pages can list facets. Extractors may opt out
// through an Enabled method.
func pagesEnabled(pages catalog.PageExtractor) bool {
	if pages == nil {
		return false
	}
	if e, ok := pages.(interface{ Enabled() bool }); ok {
		return e.Enabled()
	}
	return true
}

// resolveFacets reads the facet list from the category page and tops it up
// with the configured fallback names when too few were found.
func (o *Orchestrator) resolveFacets(ctx context.Context, logger *zap.Logger) ([]catalog.Facet, error) {
	facets, err := o.deps.Pages.ExtractFacetList(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract facet list: %w", err)
	}
	settings := o.cfg.Facets
	if len(facets) >= settings.MinCount {
		return facets, nil
	}
	found := len(facets)
	seen := make(map[string]struct{}, len(facets))
	for _, f := range facets {
		seen[f.Name] = struct{}{}
	}
	for _, name := range settings.FallbackNames {
		if settings.MaxCount > 0 && len(facets) >= settings.MaxCount {
			break
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		facets = append(facets, catalog.Facet{
			Name:    name,
			Locator: headless.FacetLocator(settings.CategoryURL, settings.FilterParam, name),
		})
	}
	logger.Warn("facet list topped up from fallback names",
		zap.Int("found", found),
		zap.Int("total", len(facets)),
	)
	return facets, nil
}

// RunSitemapFlow ingests every product the sitemap lists. Discovery runs once
// per flow; its result is stored in the checkpoint so a resumed flow goes
// straight to the batch at its cursor.
func (o *Orchestrator) RunSitemapFlow(ctx context.Context, processed *ProcessedURLs, descriptions bool) (catalog.FlowResult, error) {
	fr, done, err := o.startFlow(ctx, catalog.FlowSitemap, processed, descriptions)
	if err != nil || done {
		return fr.result, err
	}

	if !fr.cp.DiscoveryDone {
		res, err := o.discover(ctx, fr.logger)
		if err != nil {
			return fr.result, err
		}
		fr.cp.SitemapURLs = res.SitemapURLs
		fr.cp.ProductURLs = res.ProductURLs
		fr.cp.DiscoveryDone = true
		if err := o.save(ctx, fr); err != nil {
			return fr.result, err
		}
	}

	entries := fr.cp.ProductURLs
	for start := fr.cp.Cursor; start < len(entries); start += o.cfg.SitemapBatchSize {
		if err := ctx.Err(); err != nil {
			return o.abortFlow(ctx, fr, err)
		}
		end := min(start+o.cfg.SitemapBatchSize, len(entries))
		items := make([]item, 0, end-start)
		for _, e := range entries[start:end] {
			u := normalize.CanonicalURL(o.cfg.Normalize.BaseURL, o.cfg.Normalize.LocalePath, e.URL)
			items = append(items, item{sku: e.Key, url: u})
		}
		o.processBatch(ctx, fr, items, "")
		if err := ctx.Err(); err != nil {
			// The batch stays at the cursor so its unfetched products are retried.
			return o.abortFlow(ctx, fr, err)
		}
		fr.writer.Flush(ctx)
		fr.cp.Advance(end)
		if err := o.save(ctx, fr); err != nil {
			return fr.result, err
		}
		o.emitBatch(fr)
		fr.logger.Info("sitemap batch processed",
			zap.Int("cursor", end),
			zap.Int("total", len(entries)),
		)
	}
	return o.completeFlow(ctx, fr)
}

// RefreshImages rediscovers the sitemap and rebuilds the image cache without
// ingesting anything.
func (o *Orchestrator) RefreshImages(ctx context.Context) (sitemap.Result, error) {
	return o.discover(ctx, o.logger.With(zap.String("flow", "refresh-images")))
}

func (o *Orchestrator) discover(ctx context.Context, logger *zap.Logger) (sitemap.Result, error) {
	if o.deps.Discovery == nil {
		return sitemap.Result{}, fmt.Errorf("sitemap discovery is not configured")
	}
	var sink sitemap.ImageSink
	var builder interface {
		sitemap.ImageSink
		Commit(ctx context.Context) error
	}
	if o.deps.Images != nil {
		b, err := o.deps.Images.Rebuild(ctx)
		if err != nil {
			logger.Warn("image cache rebuild failed; continuing without images", zap.Error(err))
		} else {
			sink, builder = b, b
		}
	}
	res, err := o.deps.Discovery.Discover(ctx, sink)
	if err != nil {
		return res, fmt.Errorf("discover sitemap products: %w", err)
	}
	if builder != nil {
		if err := builder.Commit(ctx); err != nil {
			logger.Warn("image cache commit failed; lookups fall back to api images", zap.Error(err))
		}
	}
	logger.Info("sitemap discovered",
		zap.Int("sitemaps", len(res.SitemapURLs)),
		zap.Int("products", len(res.ProductURLs)),
		zap.Int("image_keys", res.ImageKeys),
		zap.Int("failed_sitemaps", res.Failed),
	)
	return res, nil
}

// startFlow loads the checkpoint of flow. done is true when the flow already
// completed and must be skipped.
func (o *Orchestrator) startFlow(ctx context.Context, flow catalog.Flow, processed *ProcessedURLs, descriptions bool) (*flowRun, bool, error) {
	fr := &flowRun{
		flow:         flow,
		runID:        o.currentRunID(),
		started:      o.deps.Clock.Now(),
		processed:    processed,
		descriptions: descriptions,
		logger:       o.logger.With(zap.String("flow", string(flow))),
		result:       catalog.FlowResult{Flow: flow},
	}
	if fr.processed == nil {
		fr.processed = NewProcessedURLs()
	}
	cp, err := o.deps.Checkpoints.Load(ctx, flow)
	if err != nil {
		return fr, false, fmt.Errorf("load %s checkpoint: %w", flow, err)
	}
	if cp == nil {
		cp = catalog.NewCheckpoint(flow)
	}
	if cp.Completed {
		fr.result.Completed = true
		fr.result.AlreadyDone = true
		fr.logger.Info("flow already completed; skipping")
		return fr, true, nil
	}
	fr.cp = cp
	fr.processed.Add(cp.ProcessedKeys...)
	fr.writer = o.newWriter()
	fr.logger.Info("flow started",
		zap.Int("cursor", cp.Cursor),
		zap.Int("processed", len(cp.ProcessedKeys)),
	)
	o.emitFlow(fr, progress.StageFlowStart, "")
	return fr, false, nil
}

// processBatch fetches the batch from the product API, normalizes and stages
// every product. Item failures are counted, never returned.
func (o *Orchestrator) processBatch(ctx context.Context, fr *flowRun, batch []item, facetName string) {
	pending := make([]item, 0, len(batch))
	skus := make([]string, 0, len(batch))
	for _, it := range batch {
		if it.url != "" && fr.processed.Has(it.url) {
			fr.result.Skipped++
			continue
		}
		pending = append(pending, it)
		skus = append(skus, it.sku)
	}
	if len(pending) == 0 {
		return
	}

	results := o.deps.API.Products(ctx, skus)
	for _, it := range pending {
		res, ok := results[it.sku]
		if !ok || res.Err != nil {
			fr.result.Failed++
			var err error
			if ok {
				err = res.Err
			}
			fr.logger.Warn("product fetch failed", zap.String("sku", it.sku), zap.String("url", it.url), zap.Error(err))
			continue
		}
		opts := o.cfg.Normalize
		opts.Flow = fr.flow
		opts.URL = it.url
		opts.FacetName = facetName
		opts.Now = o.deps.Clock.Now()
		if o.deps.Images != nil {
			opts.Images = o.deps.Images.Lookup(ctx, it.sku, res.Product.ImageLink)
		}
		if fr.descriptions && o.deps.Pages != nil {
			opts.Description = o.description(ctx, fr, it.url)
		}
		rec, err := normalize.Normalize(res.Product, opts)
		if err != nil {
			fr.result.Failed++
			fr.logger.Warn("product skipped", zap.String("sku", it.sku), zap.String("url", it.url), zap.Error(err))
			continue
		}
		if err := fr.writer.Stage(ctx, rec); err != nil {
			fr.result.Failed++
			fr.logger.Warn("product not staged", zap.String("sku", it.sku), zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		fr.result.Processed++
		fr.processed.Add(it.url, rec.URL)
		fr.cp.MarkProcessed(rec.URL)
		fr.cp.TotalProcessed++
	}
}

func (o *Orchestrator) description(ctx context.Context, fr *flowRun, url string) string {
	text, err := o.deps.Pages.ExtractDescription(ctx, url)
	if err != nil {
		fr.logger.Debug("description unavailable", zap.String("url", url), zap.Error(err))
		return ""
	}
	return text
}

func (o *Orchestrator) save(ctx context.Context, fr *flowRun) error {
	if err := o.deps.Checkpoints.Save(ctx, fr.flow, fr.cp); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", fr.flow, err)
	}
	return nil
}

// abortFlow flushes what was staged and keeps the checkpoint so the next run
// resumes, then reports err.
func (o *Orchestrator) abortFlow(ctx context.Context, fr *flowRun, err error) (catalog.FlowResult, error) {
	flushCtx := context.WithoutCancel(ctx)
	fr.writer.Flush(flushCtx)
	if serr := o.save(flushCtx, fr); serr != nil {
		err = errors.Join(err, serr)
	}
	o.tally(fr)
	return fr.result, err
}

func (o *Orchestrator) completeFlow(ctx context.Context, fr *flowRun) (catalog.FlowResult, error) {
	fr.writer.Flush(ctx)
	fr.cp.MarkCompleted(o.deps.Clock.Now())
	if err := o.save(ctx, fr); err != nil {
		o.tally(fr)
		return fr.result, err
	}
	fr.result.Completed = true
	o.tally(fr)
	o.emitFlow(fr, progress.StageFlowDone, "")
	fr.logger.Info("flow completed",
		zap.Int("processed", fr.result.Processed),
		zap.Int("skipped", fr.result.Skipped),
		zap.Int("failed", fr.result.Failed),
		zap.Int("inserted", fr.result.Inserted),
		zap.Int("updated", fr.result.Updated),
	)
	return fr.result, nil
}

// tally folds the writer counters into the flow result and records metrics.
func (o *Orchestrator) tally(fr *flowRun) {
	w := fr.writer.Result()
	fr.result.Inserted = w.Inserted
	fr.result.Updated = w.Updated
	fr.result.WriteErrors = w.WriteErrors
	fr.result.Failed += w.Failed

	flow := string(fr.flow)
	metrics.ObserveFlowItems(flow, "processed", fr.result.Processed)
	metrics.ObserveFlowItems(flow, "skipped", fr.result.Skipped)
	metrics.ObserveFlowItems(flow, "failed", fr.result.Failed)
}
