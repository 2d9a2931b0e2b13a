// Package headless scrapes rendered storefront pages with a headless browser.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// Pacer delays a navigation until its host may be requested again.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Config holds the browser settings and the site-specific selectors.
type Config struct {
	UserAgent   string
	NavTimeout  time.Duration
	SettleDelay time.Duration
	// Pacer is optional.
	Pacer Pacer

	BaseURL     string
	LocalePath  string
	CategoryURL string
	FilterParam string

	OverlaySelectors     []string
	DescriptionSelectors []string
	DescriptionFallback  string
	FacetExpandSelectors []string
	FacetLabelSelector   string
	ProductLinkSelector  string
}

// renderFunc loads url in a fresh tab, clicks the given selectors and returns
// the rendered document.
type renderFunc func(ctx context.Context, url string, clicks []string) (string, error)

// Extractor implements catalog.PageExtractor on chromedp. Calls are serialized.
type Extractor struct {
	cfg         Config
	logger      *zap.Logger
	mu          sync.Mutex
	render      renderFunc
	allocator   context.Context
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

var _ catalog.PageExtractor = (*Extractor)(nil)

// NewChromedp starts an exec allocator for headless Chrome. The browser
// process itself is launched lazily by the first call.
func NewChromedp(cfg Config, logger *zap.Logger) *Extractor {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	e := &Extractor{
		cfg:         cfg,
		logger:      logger.Named("headless"),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
	e.render = e.renderPage
	return e
}

func newWithRenderer(cfg Config, render renderFunc) *Extractor {
	return &Extractor{cfg: withDefaults(cfg), logger: zap.NewNop(), render: render}
}

func withDefaults(cfg Config) Config {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.ProductLinkSelector == "" {
		cfg.ProductLinkSelector = `a[href*="/pdp/"]`
	}
	if cfg.FilterParam == "" {
		cfg.FilterParam = "refinementList%5Bingredient%5D%5B0%5D"
	}
	return cfg
}

// Close shuts the browser down.
func (e *Extractor) Close() error {
	e.closeOnce.Do(func() {
		if e.allocCancel != nil {
			e.allocCancel()
		}
	})
	return nil
}

// ExtractDescription returns the product description of a detail page, or ""
// when the page has none or does not load in time.
func (e *Extractor) ExtractDescription(ctx context.Context, url string) (string, error) {
	doc, err := e.load(ctx, url, nil)
	if err != nil || doc == nil {
		return "", err
	}
	return parseDescription(doc, e.cfg.DescriptionSelectors, e.cfg.DescriptionFallback), nil
}

// ExtractFacetList enumerates the facet values of the category listing.
func (e *Extractor) ExtractFacetList(ctx context.Context) ([]catalog.Facet, error) {
	if e.cfg.CategoryURL == "" || e.cfg.FacetLabelSelector == "" {
		return nil, nil
	}
	doc, err := e.load(ctx, e.cfg.CategoryURL, e.cfg.FacetExpandSelectors)
	if err != nil || doc == nil {
		return nil, err
	}
	facets := parseFacets(doc, e.cfg.FacetLabelSelector, e.cfg.CategoryURL, e.cfg.FilterParam)
	e.logger.Info("facets enumerated", zap.Int("count", len(facets)))
	return facets, nil
}

// ExtractProductKeysForFacet walks up to maxPages of a facet listing and
// returns the unique product page URLs found, in page order.
func (e *Extractor) ExtractProductKeysForFacet(ctx context.Context, locator string, maxPages int) ([]string, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	var links []string
	seen := make(map[string]struct{})
	for page := 1; page <= maxPages; page++ {
		pageURL := locator
		if page > 1 {
			pageURL = locator + "&page=" + strconv.Itoa(page)
		}
		doc, err := e.load(ctx, pageURL, nil)
		if err != nil {
			return links, err
		}
		if doc == nil {
			break
		}
		found := parseProductLinks(doc, e.cfg.ProductLinkSelector, e.cfg.BaseURL, e.cfg.LocalePath)
		if len(found) == 0 {
			break
		}
		links = appendUnique(links, seen, found...)
	}
	return links, nil
}

// load renders url and parses it. A nil document with a nil error means the
// page timed out or failed to render; only caller cancellation is an error.
func (e *Extractor) load(ctx context.Context, url string, clicks []string) (*goquery.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("render %s: %w", url, err)
	}
	if e.cfg.Pacer != nil {
		if err := e.cfg.Pacer.Wait(ctx, url); err != nil {
			return nil, fmt.Errorf("render %s: %w", url, err)
		}
	}
	rendered, err := e.render(ctx, url, clicks)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render %s: %w", url, ctx.Err())
		}
		level := e.logger.Warn
		if errors.Is(err, context.DeadlineExceeded) {
			level = e.logger.Debug
		}
		level("Page render failed", zap.String("url", url), zap.Error(err))
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered))
	if err != nil {
		e.logger.Warn("rendered page unparseable", zap.String("url", url), zap.Error(err))
		return nil, nil
	}
	return doc, nil
}

func (e *Extractor) renderPage(ctx context.Context, url string, clicks []string) (string, error) {
	tabCtx, tabCancel := chromedp.NewContext(e.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	runCtx, cancel := context.WithTimeout(tabCtx, e.cfg.NavTimeout)
	defer cancel()
	defer e.teardown(tabCtx, url)

	var html string
	actions := []chromedp.Action{
		e.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(e.cfg.SettleDelay),
		e.dismissOverlays(),
	}
	for _, sel := range clicks {
		actions = append(actions, clickAll(sel), chromedp.Sleep(e.cfg.SettleDelay), e.dismissOverlays())
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (e *Extractor) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// dismissOverlays clicks the first visible overlay close control and falls
// back to pressing Escape.
func (e *Extractor) dismissOverlays() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var clicked bool
		if len(e.cfg.OverlaySelectors) > 0 {
			if err := chromedp.Evaluate(clickFirstVisibleJS(e.cfg.OverlaySelectors), &clicked).Do(ctx); err != nil {
				e.logger.Debug("overlay check failed", zap.Error(err))
			}
		}
		if !clicked {
			if err := chromedp.KeyEvent(kb.Escape).Do(ctx); err != nil {
				e.logger.Debug("escape key failed", zap.Error(err))
			}
		}
		return nil
	})
}

// teardown clears storage and cookies of the tab. It runs on every path,
// including after the navigation deadline expired.
func (e *Extractor) teardown(tabCtx context.Context, url string) {
	if tabCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(ctx,
		chromedp.Evaluate(`window.localStorage.clear(); window.sessionStorage.clear();`, nil),
		network.ClearBrowserCookies(),
	)
	if err != nil {
		e.logger.Debug("session teardown incomplete", zap.String("url", url), zap.Error(err))
	}
}

func clickAll(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var clicked bool
		// Missing controls are not an error; the listing may already be expanded.
		_ = chromedp.Evaluate(clickFirstVisibleJS([]string{selector}), &clicked).Do(ctx)
		return nil
	})
}

func clickFirstVisibleJS(selectors []string) string {
	encoded, _ := json.Marshal(selectors)
	return `(() => {
	for (const sel of ` + string(encoded) + `) {
		for (const el of document.querySelectorAll(sel)) {
			if (el.offsetParent !== null) { el.click(); return true; }
		}
	}
	return false;
})()`
}
