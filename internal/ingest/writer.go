// Package ingest batches normalized product records into unordered bulk upserts
// and runs the mark-and-sweep staleness pass.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
)

// ErrInvalidRecord is returned by Stage for records without an identity.
var ErrInvalidRecord = errors.New("record has no source or url")

// DefaultFlushThreshold is the batch size that triggers an automatic flush.
const DefaultFlushThreshold = 15

// Config controls batching.
type Config struct {
	Source         string
	FlushThreshold int
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Attempted int
	Inserted  int
	Updated   int
	Failed    int
}

// Result holds cumulative writer counters.
type Result struct {
	Staged      int
	Inserted    int
	Updated     int
	Failed      int
	Flushes     int
	WriteErrors int
}

// Writer stages upserts and flushes them in batches. A single mutex guards the
// pending batch and the bulk-write call, so a Writer may be shared by workers.
type Writer struct {
	store  catalog.ProductStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []catalog.UpsertOp
	totals  Result
}

// Option customizes a Writer.
type Option func(*Writer)

// WithNow overrides the clock used to stamp upserts.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// New constructs a Writer.
func New(store catalog.ProductStore, cfg Config, logger *zap.Logger, opts ...Option) *Writer {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Stage appends an upsert for rec and flushes once the batch reaches the
// threshold. Write failures are absorbed into the counters; only invalid
// records are reported as errors.
func (w *Writer) Stage(ctx context.Context, rec catalog.ProductRecord) error {
	if rec.Source == "" {
		rec.Source = w.cfg.Source
	}
	if rec.Source == "" || rec.URL == "" {
		return ErrInvalidRecord
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	at := w.now()
	rec.Scrapped = true
	rec.IsDeleted = false
	rec.UpdatedAt = at
	w.pending = append(w.pending, catalog.UpsertOp{
		Record: rec,
		Change: catalog.PriceChange{
			Price:          rec.Price,
			OriginalPrice:  rec.OriginalPrice,
			Currency:       rec.Currency,
			ConversionRate: rec.ConversionRate,
			Timestamp:      at,
		},
		At: at,
	})
	w.totals.Staged++

	if len(w.pending) >= w.cfg.FlushThreshold {
		w.flushLocked(ctx)
	}
	return nil
}

// Pending reports the number of staged, unflushed upserts.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush writes the pending batch. The batch is cleared whether or not the
// write succeeds; failed operations are counted and logged, never retried.
func (w *Writer) Flush(ctx context.Context) FlushResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) FlushResult {
	batch := w.pending
	w.pending = nil
	if len(batch) == 0 {
		return FlushResult{}
	}

	res := FlushResult{Attempted: len(batch)}
	w.totals.Flushes++
	bulk, err := w.store.BulkUpsert(ctx, batch)
	res.Inserted = bulk.Inserted
	res.Updated = bulk.Updated
	res.Failed = len(bulk.Failed)
	if err != nil {
		// Operations the store neither applied nor named as failed are lost with the batch.
		if unaccounted := len(batch) - bulk.Inserted - bulk.Updated - len(bulk.Failed); unaccounted > 0 {
			res.Failed += unaccounted
		}
		w.totals.WriteErrors++
		w.logger.Error("bulk upsert failed; batch dropped",
			zap.String("source", w.cfg.Source),
			zap.Int("batch", len(batch)),
			zap.Int("failed", res.Failed),
			zap.Strings("urls", failedURLs(batch, bulk.Failed)),
			zap.Error(err),
		)
	}

	w.totals.Inserted += res.Inserted
	w.totals.Updated += res.Updated
	w.totals.Failed += res.Failed
	metrics.ObserveWriterOps("inserted", res.Inserted)
	metrics.ObserveWriterOps("updated", res.Updated)
	metrics.ObserveWriterOps("failed", res.Failed)
	w.logger.Debug("batch flushed",
		zap.Int("batch", res.Attempted),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
	)
	return res
}

// Result returns a snapshot of the cumulative counters.
func (w *Writer) Result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totals
}

// BeginRun clears the scrapped flag on every row of the source so the rows the
// current run reconfirms can be told apart from stale ones.
func (w *Writer) BeginRun(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.store.MarkUnscrapped(ctx, w.cfg.Source)
	if err != nil {
		return 0, fmt.Errorf("mark %s rows unscrapped: %w", w.cfg.Source, err)
	}
	w.logger.Info("reconciliation started", zap.String("source", w.cfg.Source), zap.Int64("marked", n))
	return n, nil
}

// Sweep flushes anything pending and marks every row not reconfirmed since
// BeginRun as deleted.
func (w *Writer) Sweep(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked(ctx)
	n, err := w.store.SweepStale(ctx, w.cfg.Source)
	if err != nil {
		return 0, fmt.Errorf("sweep stale %s rows: %w", w.cfg.Source, err)
	}
	w.logger.Info("stale rows swept", zap.String("source", w.cfg.Source), zap.Int64("deleted", n))
	return n, nil
}

func failedURLs(batch []catalog.UpsertOp, failed []string) []string {
	if len(failed) > 0 {
		return failed
	}
	urls := make([]string, 0, len(batch))
	for _, op := range batch {
		urls = append(urls, op.Record.URL)
	}
	return urls
}
