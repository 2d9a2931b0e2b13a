package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// DefaultBackfillPageSize is the number of rows read per page.
const DefaultBackfillPageSize = 15

// BackfillResult counts the outcome of one backfill.
type BackfillResult struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

// BackfillStatus is a snapshot of the backfiller's activity.
type BackfillStatus struct {
	Running   bool            `json:"running"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	Last      *BackfillResult `json:"last,omitempty"`
}

// Backfiller fills in descriptions for stored products that have none.
type Backfiller struct {
	products catalog.ProductStore
	pages    catalog.PageExtractor
	clock    catalog.Clock
	source   string
	pageSize int
	logger   *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	started time.Time
	last    *BackfillResult
}

// NewBackfiller returns a Backfiller for source.
func NewBackfiller(products catalog.ProductStore, pages catalog.PageExtractor, clock catalog.Clock, source string, pageSize int, logger *zap.Logger) (*Backfiller, error) {
	if products == nil || pages == nil || clock == nil {
		return nil, fmt.Errorf("product store, page extractor and clock are required")
	}
	if source == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if pageSize <= 0 {
		pageSize = DefaultBackfillPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{
		products: products,
		pages:    pages,
		clock:    clock,
		source:   source,
		pageSize: pageSize,
		logger:   logger.Named("backfill"),
	}, nil
}

// Status reports whether a backfill is running and the outcome of the last one.
func (b *Backfiller) Status() BackfillStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BackfillStatus{Running: b.running.Load(), Last: b.last}
	if st.Running && !b.started.IsZero() {
		started := b.started
		st.StartedAt = &started
	}
	return st
}

// Run pages through products without a description and extracts one for each.
// A product whose page yields no text is counted as failed and not retried
// within the same run.
func (b *Backfiller) Run(ctx context.Context) (BackfillResult, error) {
	if err := b.admit(); err != nil {
		return BackfillResult{}, err
	}
	defer b.running.Store(false)
	return b.execute(ctx)
}

// Start runs a backfill in the background. Its outcome is reported by Status.
func (b *Backfiller) Start(ctx context.Context) error {
	if err := b.admit(); err != nil {
		return err
	}
	go func() {
		defer b.running.Store(false)
		if _, err := b.execute(ctx); err != nil {
			b.logger.Error("backfill failed", zap.String("source", b.source), zap.Error(err))
		}
	}()
	return nil
}

func (b *Backfiller) admit() error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrRunActive
	}
	b.mu.Lock()
	b.started = b.clock.Now()
	b.mu.Unlock()
	return nil
}

func (b *Backfiller) execute(ctx context.Context) (BackfillResult, error) {
	var res BackfillResult
	tried := make(map[string]struct{})
	defer func() {
		b.mu.Lock()
		b.last = &res
		b.started = time.Time{}
		b.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("backfill descriptions: %w", err)
		}
		// Rows that failed stay in the result set; widen the page to step past them.
		rows, err := b.products.ListMissingDescriptions(ctx, b.source, b.pageSize+len(tried))
		if err != nil {
			return res, fmt.Errorf("backfill descriptions: %w", err)
		}
		var fresh []catalog.ProductRecord
		for _, row := range rows {
			if _, ok := tried[row.URL]; !ok {
				fresh = append(fresh, row)
			}
		}
		if len(fresh) == 0 {
			break
		}
		for _, row := range fresh {
			tried[row.URL] = struct{}{}
			res.Processed++
			text, err := b.pages.ExtractDescription(ctx, row.URL)
			if err != nil || text == "" {
				res.Failed++
				b.logger.Debug("no description extracted", zap.String("url", row.URL), zap.Error(err))
				continue
			}
			if err := b.products.UpdateDescription(ctx, b.source, row.URL, text); err != nil {
				res.Failed++
				b.logger.Warn("description update failed", zap.String("url", row.URL), zap.Error(err))
				continue
			}
			res.Updated++
		}
		b.logger.Info("backfill page done",
			zap.Int("processed", res.Processed),
			zap.Int("updated", res.Updated),
			zap.Int("failed", res.Failed),
		)
	}
	b.logger.Info("backfill finished",
		zap.String("source", b.source),
		zap.Int("processed", res.Processed),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
