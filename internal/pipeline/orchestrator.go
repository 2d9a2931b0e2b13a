// Package pipeline sequences the facet and sitemap flows of one ingestion run,
// checkpoints their progress and reconciles the destination afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/imagecache"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/ingest"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/normalize"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/productapi"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/sitemap"
)

var (
	// ErrRunActive is returned when a run or backfill is already in progress.
	ErrRunActive = errors.New("a run is already in progress")
	// ErrFlowsAborted is returned by Run when at least one requested flow aborted.
	ErrFlowsAborted = errors.New("one or more flows aborted")
	// ErrPagesDisabled is returned by the facet flow when no working page
	// extractor is configured.
	ErrPagesDisabled = errors.New("page extractor is disabled")
	// ErrNoFacetProducts is returned by the facet flow when no facet listed a
	// single product.
	ErrNoFacetProducts = errors.New("no products listed under any facet")
)

// ProductSource fetches product payloads keyed by SKU.
type ProductSource interface {
	Products(ctx context.Context, skus []string) map[string]productapi.Result
}

// Discoverer enumerates sitemap products, streaming images into sink.
type Discoverer interface {
	Discover(ctx context.Context, sink sitemap.ImageSink) (sitemap.Result, error)
}

// ImageCache is the sitemap image lookup rebuilt by every discovery pass.
type ImageCache interface {
	Rebuild(ctx context.Context) (*imagecache.Builder, error)
	Lookup(ctx context.Context, key, fallback string) []string
	Clear(ctx context.Context) error
}

// FacetSettings describes the faceted listing.
type FacetSettings struct {
	CategoryURL   string
	FilterParam   string
	MaxPages      int
	MinCount      int
	MaxCount      int
	FallbackNames []string
}

// Config controls batching and the per-source normalization context.
type Config struct {
	// Normalize carries the source-wide fields; Flow, URL, FacetName, Images,
	// Description and Now are filled per item.
	Normalize        normalize.Options
	Facets           FacetSettings
	SitemapBatchSize int
	FacetBatchSize   int
	FlushThreshold   int
	NotifyTopic      string
}

// Deps are the collaborators of an Orchestrator. Runs, Publisher and Events
// may be nil; Tracer defaults to the global provider.
type Deps struct {
	Checkpoints catalog.CheckpointStore
	Products    catalog.ProductStore
	Runs        catalog.RunStore
	API         ProductSource
	Discovery   Discoverer
	Images      ImageCache
	Pages       catalog.PageExtractor
	Publisher   catalog.Publisher
	Events      progress.Emitter
	Tracer      trace.Tracer
	Clock       catalog.Clock
	IDs         catalog.IDGenerator
}

// Options selects what one Run does.
type Options struct {
	Flows        []catalog.Flow
	Descriptions bool
}

// RunSummary is the notification published after every run.
type RunSummary struct {
	catalog.RunResult
	Totals catalog.FlowResult `json:"totals"`
	Error  string             `json:"error,omitempty"`
}

// Status is a snapshot of the orchestrator's activity.
type Status struct {
	Running   bool               `json:"running"`
	RunID     string             `json:"run_id,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	Last      *catalog.RunResult `json:"last,omitempty"`
}

// Orchestrator runs the ingestion flows.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	current string
	started time.Time
	last    *catalog.RunResult
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case deps.Products == nil:
		return nil, fmt.Errorf("product store is required")
	case deps.API == nil:
		return nil, fmt.Errorf("product api is required")
	case deps.Clock == nil || deps.IDs == nil:
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if cfg.Normalize.Source == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if cfg.SitemapBatchSize <= 0 {
		cfg.SitemapBatchSize = 30
	}
	if cfg.FacetBatchSize <= 0 {
		cfg.FacetBatchSize = 15
	}
	if cfg.Facets.MaxPages <= 0 {
		cfg.Facets.MaxPages = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline")
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("pipeline")}, nil
}

// Status reports the active run, if any, and the result of the last one.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Running: o.running.Load(), RunID: o.current, Last: o.last}
	if !o.started.IsZero() && st.Running {
		started := o.started
		st.StartedAt = &started
	}
	return st
}

func (o *Orchestrator) source() string {
	return o.cfg.Normalize.Source
}

func (o *Orchestrator) newWriter() *ingest.Writer {
	return ingest.New(o.deps.Products, ingest.Config{
		Source:         o.source(),
		FlushThreshold: o.cfg.FlushThreshold,
	}, o.logger, ingest.WithNow(o.deps.Clock.Now))
}

// Run executes the requested flows (all of them by default) in order. A flow
// that aborts does not stop the others. The returned error wraps
// ErrFlowsAborted when any flow aborted; the RunResult is always populated.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (catalog.RunResult, error) {
	flows, runID, err := o.admit(opts)
	if err != nil {
		return catalog.RunResult{}, err
	}
	defer o.running.Store(false)
	return o.execute(ctx, flows, runID, opts)
}

// Start admits a run and executes it in the background, returning its id.
// The outcome is reported by Status once the run finishes.
func (o *Orchestrator) Start(ctx context.Context, opts Options) (string, error) {
	flows, runID, err := o.admit(opts)
	if err != nil {
		return "", err
	}
	go func() {
		defer o.running.Store(false)
		_, _ = o.execute(ctx, flows, runID, opts)
	}()
	return runID, nil
}

// admit claims the running slot and allocates the run id. On success the
// caller owns the slot and must release it.
func (o *Orchestrator) admit(opts Options) ([]catalog.Flow, string, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, "", ErrRunActive
	}
	flows, err := selectFlows(opts.Flows)
	if err != nil {
		o.running.Store(false)
		return nil, "", err
	}
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		o.running.Store(false)
		return nil, "", fmt.Errorf("start run: %w", err)
	}
	o.mu.Lock()
	o.current, o.started = runID, o.deps.Clock.Now()
	o.mu.Unlock()
	return flows, runID, nil
}

func (o *Orchestrator) execute(ctx context.Context, flows []catalog.Flow, runID string, opts Options) (catalog.RunResult, error) {
	o.mu.Lock()
	startedAt := o.started
	o.mu.Unlock()
	result := catalog.RunResult{
		RunID:     runID,
		Source:    o.source(),
		StartedAt: startedAt,
		Flows:     make(map[catalog.Flow]catalog.FlowResult, len(flows)),
	}

	ctx, span := o.deps.Tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.source", o.source()),
		attribute.StringSlice("run.flows", flowNames(flows)),
	))
	defer span.End()

	logger := o.logger.With(zap.String("run_id", runID), zap.String("source", o.source()))
	logger.Info("run started", zap.Strings("flows", flowNames(flows)))
	o.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, Note: strings.Join(flowNames(flows), ",")})
	if o.deps.Runs != nil {
		if err := o.deps.Runs.StartRun(ctx, runID, o.source(), result.StartedAt); err != nil {
			logger.Warn("run log start failed", zap.Error(err))
		}
	}

	full := len(flows) == len(catalog.AllFlows)
	if full && o.isFreshRun(ctx, flows, logger) {
		if _, err := o.newWriter().BeginRun(ctx); err != nil {
			logger.Error("reconciliation mark failed; sweep disabled for this run", zap.Error(err))
			full = false
		}
	}

	processed := NewProcessedURLs()
	var aborted []string
	for _, flow := range flows {
		var fr catalog.FlowResult
		var ferr error
		flowStarted := o.deps.Clock.Now()
		flowCtx, flowSpan := o.deps.Tracer.Start(ctx, "pipeline.flow", trace.WithAttributes(attribute.String("flow", string(flow))))
		switch flow {
		case catalog.FlowFacet:
			fr, ferr = o.RunFacetFlow(flowCtx, processed, opts.Descriptions)
		case catalog.FlowSitemap:
			fr, ferr = o.RunSitemapFlow(flowCtx, processed, opts.Descriptions)
		}
		flowSpan.SetAttributes(
			attribute.Int("flow.processed", fr.Processed),
			attribute.Int("flow.failed", fr.Failed),
			attribute.Int("flow.skipped", fr.Skipped),
		)
		if ferr != nil {
			flowSpan.RecordError(ferr)
			flowSpan.SetStatus(codes.Error, "flow aborted")
		}
		flowSpan.End()
		if ferr != nil {
			fr.Aborted = true
			fr.Err = ferr.Error()
			aborted = append(aborted, string(flow))
			logger.Error("flow aborted", zap.String("flow", string(flow)), zap.Error(ferr))
			o.emit(progress.Event{
				RunID:     runID,
				Stage:     progress.StageFlowAbort,
				Flow:      flow,
				Processed: fr.Processed,
				Failed:    fr.Failed,
				Skipped:   fr.Skipped,
				Dur:       max(o.deps.Clock.Now().Sub(flowStarted), 0),
				Note:      fr.Err,
			})
		}
		result.Flows[flow] = fr
	}

	allComplete := true
	for _, fr := range result.Flows {
		if !fr.Completed {
			allComplete = false
		}
	}
	if allComplete && full && ctx.Err() == nil {
		swept, err := o.newWriter().Sweep(ctx)
		if err != nil {
			logger.Error("stale sweep failed", zap.Error(err))
		} else {
			result.Reconciled = catalog.ReconcileResult{Ran: true, Swept: swept}
		}
	}
	if allComplete && ctx.Err() == nil {
		o.cleanup(ctx, flows, logger)
	}

	result.FinishedAt = o.deps.Clock.Now()
	result.Success = allComplete && len(aborted) == 0

	var runErr error
	if len(aborted) > 0 {
		runErr = fmt.Errorf("%w: %s", ErrFlowsAborted, strings.Join(aborted, ", "))
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.Bool("run.success", result.Success))
	o.finish(ctx, result, runErr, logger)
	o.emitRunEnd(result, runErr)
	return result, runErr
}

// isFreshRun reports whether none of flows has a checkpoint yet. Lookup
// failures count as not fresh so a resumed run never re-marks rows.
func (o *Orchestrator) isFreshRun(ctx context.Context, flows []catalog.Flow, logger *zap.Logger) bool {
	for _, flow := range flows {
		cp, err := o.deps.Checkpoints.Load(ctx, flow)
		if err != nil {
			logger.Warn("checkpoint lookup failed", zap.String("flow", string(flow)), zap.Error(err))
			return false
		}
		if cp != nil {
			return false
		}
	}
	return true
}

func (o *Orchestrator) cleanup(ctx context.Context, flows []catalog.Flow, logger *zap.Logger) {
	for _, flow := range flows {
		if err := o.deps.Checkpoints.Clear(ctx, flow); err != nil {
			logger.Warn("checkpoint clear failed", zap.String("flow", string(flow)), zap.Error(err))
		}
	}
	if o.deps.Images != nil && slices.Contains(flows, catalog.FlowSitemap) {
		if err := o.deps.Images.Clear(ctx); err != nil {
			logger.Warn("image cache clear failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, result catalog.RunResult, runErr error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	totals := result.Totals()
	summary := RunSummary{RunResult: result, Totals: totals}
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
		summary.Error = msg
	}

	o.mu.Lock()
	o.current, o.started = "", time.Time{}
	o.last = &result
	o.mu.Unlock()

	if o.deps.Runs != nil {
		if err := o.deps.Runs.FinishRun(ctx, result, errMsg); err != nil {
			logger.Warn("run log finish failed", zap.Error(err))
		}
	}
	if o.deps.Publisher != nil && o.cfg.NotifyTopic != "" {
		if _, err := o.deps.Publisher.Publish(ctx, o.cfg.NotifyTopic, summary); err != nil {
			logger.Warn("run summary publish failed", zap.String("topic", o.cfg.NotifyTopic), zap.Error(err))
		}
	}
	logger.Info("run finished",
		zap.Bool("success", result.Success),
		zap.Int("processed", totals.Processed),
		zap.Int("inserted", totals.Inserted),
		zap.Int("updated", totals.Updated),
		zap.Int("failed", totals.Failed),
		zap.Int64("swept", result.Reconciled.Swept),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)
}

func selectFlows(requested []catalog.Flow) ([]catalog.Flow, error) {
	if len(requested) == 0 {
		return slices.Clone(catalog.AllFlows), nil
	}
	var flows []catalog.Flow
	for _, flow := range catalog.AllFlows {
		if slices.Contains(requested, flow) {
			flows = append(flows, flow)
		}
	}
	for _, flow := range requested {
		if !slices.Contains(catalog.AllFlows, flow) {
			return nil, fmt.Errorf("unknown flow %q", flow)
		}
	}
	return flows, nil
}

func flowNames(flows []catalog.Flow) []string {
	names := make([]string, len(flows))
	for i, f := range flows {
		names[i] = string(f)
	}
	return names
}
