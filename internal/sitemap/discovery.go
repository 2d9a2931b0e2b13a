// Package sitemap discovers product detail pages and their images from a
// sitemap index and its child sitemaps.
package sitemap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/fetcher"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
)

// ErrNoSitemaps is returned when the index lists no child sitemaps.
var ErrNoSitemaps = errors.New("sitemap index listed no child sitemaps")

// State tracks the progress of one discovery pass.
type State int

const (
	StateNotFetched State = iota
	StateIndexFetched
	StateImagesExtracted
	StateURLsExtracted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNotFetched:
		return "not_fetched"
	case StateIndexFetched:
		return "index_fetched"
	case StateImagesExtracted:
		return "images_extracted"
	case StateURLsExtracted:
		return "urls_extracted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fetcher is the subset of the fetch client discovery needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// ImageSink receives (key, images) pairs in discovery order.
type ImageSink interface {
	Add(ctx context.Context, key string, images []string) error
}

// Config controls discovery.
type Config struct {
	IndexURL string
	// RobotsURL, when set, is consulted for Sitemap lines if IndexURL is empty
	// or yields no child sitemaps.
	RobotsURL     string
	MaxParallel   int
	DownloadPause time.Duration
}

// Result is the outcome of a discovery pass.
type Result struct {
	SitemapURLs []string
	ProductURLs []catalog.ProductURL
	ImageKeys   int
	Failed      int
	State       State
}

// Discovery runs sitemap discovery passes.
type Discovery struct {
	cfg     Config
	fetch   Fetcher
	logger  *zap.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
}

// New constructs a Discovery.
func New(cfg Config, f Fetcher, logger *zap.Logger) *Discovery {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	limit := rate.Inf
	if cfg.DownloadPause > 0 {
		limit = rate.Every(cfg.DownloadPause)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		cfg:     cfg,
		fetch:   f,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// State returns the state reached by the current or last pass.
func (d *Discovery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Discovery) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

type childResult struct {
	entries []Entry
	ok      bool
}

// Discover fetches the index, processes every child sitemap and returns the
// product URLs de-duplicated by key in index order. Images are handed to sink
// (which may be nil) in the same order, first occurrence per key.
func (d *Discovery) Discover(ctx context.Context, sink ImageSink) (Result, error) {
	d.setState(StateNotFetched)
	var result Result

	indexURL, children, recovered, err := d.resolveIndex(ctx)
	if err != nil {
		return result, err
	}
	d.setState(StateIndexFetched)
	result.State = StateIndexFetched
	if recovered {
		d.logger.Warn("sitemap index parsed with fallback pattern",
			zap.String("url", indexURL),
			zap.Int("sitemaps", len(children)),
		)
	}
	result.SitemapURLs = children
	metrics.ObserveSitemapEntries("sitemaps", len(children))
	d.logger.Info("sitemap index fetched", zap.Int("sitemaps", len(children)))

	results := make([]childResult, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallel)
	for i, childURL := range children {
		g.Go(func() error {
			if err := d.limiter.Wait(gctx); err != nil {
				return fmt.Errorf("wait for sitemap slot: %w", err)
			}
			entries, err := d.processChild(gctx, childURL)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.logger.Warn("child sitemap skipped", zap.String("url", childURL), zap.Error(err))
				results[i] = childResult{entries: entries}
				return nil
			}
			results[i] = childResult{entries: entries, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("process child sitemaps: %w", err)
	}

	merged := mergeEntries(results)
	for _, r := range results {
		if !r.ok {
			result.Failed++
		}
	}

	if sink != nil {
		for _, e := range merged {
			if len(e.Images) == 0 {
				continue
			}
			if err := sink.Add(ctx, e.Key, e.Images); err != nil {
				return result, fmt.Errorf("store images for %s: %w", e.Key, err)
			}
			result.ImageKeys++
		}
	}
	metrics.ObserveSitemapEntries("images", result.ImageKeys)
	d.setState(StateImagesExtracted)
	result.State = StateImagesExtracted

	result.ProductURLs = make([]catalog.ProductURL, 0, len(merged))
	for _, e := range merged {
		result.ProductURLs = append(result.ProductURLs, catalog.ProductURL{Key: e.Key, URL: e.URL})
	}
	metrics.ObserveSitemapEntries("urls", len(result.ProductURLs))
	d.setState(StateURLsExtracted)
	result.State = StateURLsExtracted

	d.logger.Info("sitemap discovery finished",
		zap.Int("sitemaps", len(children)),
		zap.Int("failed_sitemaps", result.Failed),
		zap.Int("products", len(result.ProductURLs)),
		zap.Int("image_keys", result.ImageKeys),
	)
	d.setState(StateDone)
	result.State = StateDone
	return result, nil
}

// resolveIndex reads the configured index and falls back to the sitemaps listed
// in robots.txt. The error of the configured index wins when nothing resolves.
func (d *Discovery) resolveIndex(ctx context.Context) (string, []string, bool, error) {
	var firstErr error
	if d.cfg.IndexURL != "" {
		children, recovered, err := d.readIndex(ctx, d.cfg.IndexURL)
		if err == nil {
			return d.cfg.IndexURL, children, recovered, nil
		}
		firstErr = err
	}
	if d.cfg.RobotsURL == "" {
		if firstErr == nil {
			firstErr = ErrNoSitemaps
		}
		return "", nil, false, firstErr
	}
	candidates, err := d.robotsSitemaps(ctx)
	if err != nil {
		d.logger.Warn("robots.txt unavailable", zap.String("url", d.cfg.RobotsURL), zap.Error(err))
	}
	for _, candidate := range candidates {
		if candidate == d.cfg.IndexURL {
			continue
		}
		children, recovered, err := d.readIndex(ctx, candidate)
		if err != nil {
			d.logger.Debug("robots.txt sitemap rejected", zap.String("url", candidate), zap.Error(err))
			continue
		}
		d.logger.Warn("sitemap index taken from robots.txt",
			zap.String("configured", d.cfg.IndexURL),
			zap.String("url", candidate),
		)
		return candidate, children, recovered, nil
	}
	if firstErr == nil {
		firstErr = ErrNoSitemaps
	}
	return "", nil, false, firstErr
}

func (d *Discovery) readIndex(ctx context.Context, indexURL string) ([]string, bool, error) {
	resp, err := d.fetch.Fetch(ctx, fetcher.Request{
		Key:     indexURL,
		URL:     indexURL,
		Profile: fetcher.ProfileXML,
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch sitemap index: %w", err)
	}
	d.setState(StateIndexFetched)
	children, recovered, err := parseIndex(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if len(children) == 0 {
		return nil, false, ErrNoSitemaps
	}
	return children, recovered, nil
}

func (d *Discovery) robotsSitemaps(ctx context.Context) ([]string, error) {
	resp, err := d.fetch.Fetch(ctx, fetcher.Request{
		Key:     d.cfg.RobotsURL,
		URL:     d.cfg.RobotsURL,
		Profile: fetcher.ProfileXML,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	robots, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return robots.Sitemaps, nil
}

// processChild downloads and parses one child sitemap. On a parse error the
// entries recovered so far are returned alongside a nil error.
func (d *Discovery) processChild(ctx context.Context, childURL string) ([]Entry, error) {
	resp, err := d.fetch.Fetch(ctx, fetcher.Request{
		Key:     childURL,
		URL:     childURL,
		Profile: fetcher.ProfileXML,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch child sitemap: %w", err)
	}
	entries, recovered, err := parseChild(resp.Body)
	if err != nil {
		d.logger.Warn("child sitemap partially parsed",
			zap.String("url", childURL),
			zap.Int("entries", len(entries)),
			zap.Int("recovered", recovered),
			zap.Error(err),
		)
		metrics.ObserveSitemapEntries("recovered", recovered)
	}
	return entries, nil
}

// mergeEntries flattens child results in index order keeping the first entry per key.
func mergeEntries(results []childResult) []Entry {
	seen := make(map[string]struct{})
	var out []Entry
	for _, r := range results {
		for _, e := range r.entries {
			if _, ok := seen[e.Key]; ok {
				continue
			}
			seen[e.Key] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
