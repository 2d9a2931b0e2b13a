// Package productapi reads product details from the storefront analytics API.
package productapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/fetcher"
)

// ErrNoProduct is returned when the API answers with an empty payload.
var ErrNoProduct = errors.New("product not found in api response")

// Fetcher is the subset of *fetcher.Client the API client needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
	FetchAll(ctx context.Context, reqs []fetcher.Request) map[string]fetcher.FetchTask
}

// Config locates the product endpoint.
type Config struct {
	BaseURL    string
	Path       string
	Language   string
	Region     string
	CategoryID string
}

// Result is the per-SKU outcome of Products.
type Result struct {
	SKU      string
	Product  catalog.APIProduct
	Attempts int
	Err      error
}

// Client builds product API requests and decodes their payloads.
type Client struct {
	cfg     Config
	fetcher Fetcher
	logger  *zap.Logger
}

// New returns a Client.
func New(cfg Config, f Fetcher, logger *zap.Logger) (*Client, error) {
	if f == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	if cfg.Path == "" {
		cfg.Path = "/api/analytics/product"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, fetcher: f, logger: logger.Named("productapi")}, nil
}

// URL returns the request URL for sku.
func (c *Client) URL(sku string) string {
	q := url.Values{}
	q.Set("skus", sku)
	q.Set("language", c.cfg.Language)
	if c.cfg.Region != "" {
		q.Set("region", c.cfg.Region)
	}
	if c.cfg.CategoryID != "" {
		q.Set("category_id", c.cfg.CategoryID)
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(c.cfg.Path, "/") + "?" + q.Encode()
}

func (c *Client) request(sku string) fetcher.Request {
	return fetcher.Request{Key: sku, URL: c.URL(sku), Profile: fetcher.ProfileJSON}
}

// Product fetches and decodes one SKU.
func (c *Client) Product(ctx context.Context, sku string) (catalog.APIProduct, error) {
	resp, err := c.fetcher.Fetch(ctx, c.request(sku))
	if err != nil {
		return catalog.APIProduct{}, fmt.Errorf("fetch product %s: %w", sku, err)
	}
	p, err := Decode(resp.Body)
	if err != nil {
		return catalog.APIProduct{}, fmt.Errorf("decode product %s: %w", sku, err)
	}
	return p, nil
}

// Products fetches skus concurrently through the fetch client. Results are
// keyed by SKU; duplicate SKUs are requested once.
func (c *Client) Products(ctx context.Context, skus []string) map[string]Result {
	reqs := make([]fetcher.Request, 0, len(skus))
	seen := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		if _, ok := seen[sku]; ok || sku == "" {
			continue
		}
		seen[sku] = struct{}{}
		reqs = append(reqs, c.request(sku))
	}

	tasks := c.fetcher.FetchAll(ctx, reqs)
	out := make(map[string]Result, len(tasks))
	for sku, task := range tasks {
		res := Result{SKU: sku, Attempts: task.Attempts}
		if task.Err != nil {
			res.Err = fmt.Errorf("fetch product %s: %w", sku, task.Err)
			out[sku] = res
			continue
		}
		p, err := Decode(task.Response.Body)
		if err != nil {
			c.logger.Debug("undecodable product payload", zap.String("sku", sku), zap.Error(err))
			res.Err = fmt.Errorf("decode product %s: %w", sku, err)
		}
		res.Product = p
		out[sku] = res
	}
	return out
}

// Ping checks that the API answers for sku.
func (c *Client) Ping(ctx context.Context, sku string) (catalog.APIProduct, error) {
	p, err := c.Product(ctx, sku)
	if err != nil {
		return catalog.APIProduct{}, fmt.Errorf("ping product api: %w", err)
	}
	c.logger.Info("product API reachable", zap.String("sku", sku), zap.String("name", p.Name))
	return p, nil
}

// Decode parses a product payload. The API answers with either an object or a
// list whose first element is the product.
func Decode(body []byte) (catalog.APIProduct, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return catalog.APIProduct{}, ErrNoProduct
	}
	var p catalog.APIProduct
	if body[0] == '[' {
		var list []catalog.APIProduct
		if err := json.Unmarshal(body, &list); err != nil {
			return catalog.APIProduct{}, fmt.Errorf("decode product list: %w", err)
		}
		if len(list) == 0 {
			return catalog.APIProduct{}, ErrNoProduct
		}
		return list[0], nil
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return catalog.APIProduct{}, fmt.Errorf("decode product object: %w", err)
	}
	return p, nil
}
