package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Flow names one of the independently checkpointed ingestion pipelines.
type Flow string

const (
	// FlowFacet discovers products through the faceted category listing.
	FlowFacet Flow = "facet"
	// FlowSitemap discovers products through the sitemap index.
	FlowSitemap Flow = "sitemap"
)

// AllFlows lists every flow in execution order.
var AllFlows = []Flow{FlowFacet, FlowSitemap}

// ParseFlow converts user input into a Flow.
func ParseFlow(raw string) (Flow, error) {
	switch Flow(strings.ToLower(strings.TrimSpace(raw))) {
	case FlowFacet:
		return FlowFacet, nil
	case FlowSitemap:
		return FlowSitemap, nil
	default:
		return "", fmt.Errorf("unknown flow %q", raw)
	}
}

// Facet is one filter value of the category listing (an ingredient, for example).
type Facet struct {
	Name    string `json:"name"`
	Locator string `json:"locator"`
	Count   int    `json:"count,omitempty"`
}

// ProductURL pairs a product key (SKU) with its canonical detail page.
type ProductURL struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// PriceChange is one append-only entry of a product's price history.
type PriceChange struct {
	Price          string    `json:"price"`
	OriginalPrice  float64   `json:"originalPrice"`
	Currency       string    `json:"originalPriceCurrency"`
	ConversionRate float64   `json:"conversionRate"`
	Timestamp      time.Time `json:"date"`
}

// ProductRecord is the canonical normalized product written to the destination store.
type ProductRecord struct {
	Source         string        `json:"source" db:"source"`
	URL            string        `json:"url" db:"url"`
	SKU            string        `json:"sku" db:"sku"`
	StoreID        string        `json:"storeId" db:"store_id"`
	Country        string        `json:"country" db:"country"`
	Category       string        `json:"category" db:"category"`
	Speciality     []string      `json:"speciality" db:"speciality"`
	Name           string        `json:"name" db:"name"`
	NormalizedName string        `json:"normalizedName" db:"normalized_name"`
	Slug           string        `json:"slug" db:"slug"`
	Brand          string        `json:"brand" db:"brand"`
	Description    string        `json:"description" db:"description"`
	Presentation   string        `json:"presentation" db:"presentation"`
	Ingredients    []string      `json:"ingredients" db:"ingredients"`
	Images         []string      `json:"images" db:"images"`
	Price          string        `json:"price" db:"price"`
	CutPrice       *string       `json:"cutPrice,omitempty" db:"cut_price"`
	OriginalPrice  float64       `json:"originalPrice" db:"original_price"`
	Currency       string        `json:"originalPriceCurrency" db:"currency"`
	ConversionRate float64       `json:"conversionRate" db:"conversion_rate"`
	OutOfStock     bool          `json:"outOfStock" db:"out_of_stock"`
	IsDeleted      bool          `json:"isDeleted" db:"is_deleted"`
	Scrapped       bool          `json:"scrapped" db:"scrapped"`
	PriceHistory   []PriceChange `json:"priceChange" db:"price_history"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
}

// UpsertOp is one staged write: the current values plus the history entry to append.
type UpsertOp struct {
	Record ProductRecord
	Change PriceChange
	At     time.Time
}

// BulkResult summarizes one unordered bulk upsert.
type BulkResult struct {
	Inserted int
	Updated  int
	// Failed lists the URLs whose individual upsert failed.
	Failed []string
}

// Checkpoint is the persisted progress of one flow.
type Checkpoint struct {
	Flow           Flow         `json:"flow"`
	Cursor         int          `json:"cursor"`
	ProcessedKeys  []string     `json:"processed_keys"`
	Facets         []Facet      `json:"facets,omitempty"`
	ProductURLs    []ProductURL `json:"product_urls,omitempty"`
	SitemapURLs    []string     `json:"sitemap_urls,omitempty"`
	DiscoveryDone  bool         `json:"discovery_done"`
	TotalProcessed int          `json:"total_processed"`
	// Listed counts the product links the facet flow has listed so far.
	Listed      int        `json:"listed,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	seen map[string]struct{}
}

// NewCheckpoint returns an empty checkpoint for flow.
func NewCheckpoint(flow Flow) *Checkpoint {
	return &Checkpoint{Flow: flow}
}

// HasProcessed reports whether key was recorded as processed.
func (c *Checkpoint) HasProcessed(key string) bool {
	c.index()
	_, ok := c.seen[key]
	return ok
}

// MarkProcessed records keys, ignoring duplicates.
func (c *Checkpoint) MarkProcessed(keys ...string) {
	c.index()
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := c.seen[key]; ok {
			continue
		}
		c.seen[key] = struct{}{}
		c.ProcessedKeys = append(c.ProcessedKeys, key)
	}
}

// Advance moves the cursor forward. Attempts to move it backwards are ignored.
func (c *Checkpoint) Advance(cursor int) {
	if cursor > c.Cursor {
		c.Cursor = cursor
	}
}

// MarkCompleted flags the flow as finished at the given time.
func (c *Checkpoint) MarkCompleted(at time.Time) {
	c.Completed = true
	c.CompletedAt = &at
}

func (c *Checkpoint) index() {
	if c.seen != nil {
		return
	}
	c.seen = make(map[string]struct{}, len(c.ProcessedKeys))
	for _, key := range c.ProcessedKeys {
		c.seen[key] = struct{}{}
	}
}

// FlowResult is the explicit outcome of one flow execution.
type FlowResult struct {
	Flow        Flow   `json:"flow"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	WriteErrors int    `json:"write_errors"`
	Completed   bool   `json:"completed"`
	AlreadyDone bool   `json:"already_done"`
	Aborted     bool   `json:"aborted"`
	Err         string `json:"error,omitempty"`
}

// ReconcileResult counts the rows touched by the mark-and-sweep pass.
type ReconcileResult struct {
	Ran   bool  `json:"ran"`
	Swept int64 `json:"swept"`
}

// RunResult merges the flow results of one pipeline invocation.
type RunResult struct {
	RunID      string              `json:"run_id"`
	Source     string              `json:"source"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Flows      map[Flow]FlowResult `json:"flows"`
	Reconciled ReconcileResult     `json:"reconciled"`
	Success    bool                `json:"success"`
}

// Totals sums the counters of every flow.
func (r RunResult) Totals() FlowResult {
	var total FlowResult
	for _, fr := range r.Flows {
		total.Processed += fr.Processed
		total.Failed += fr.Failed
		total.Skipped += fr.Skipped
		total.Inserted += fr.Inserted
		total.Updated += fr.Updated
		total.WriteErrors += fr.WriteErrors
	}
	return total
}

// APIProduct mirrors the product detail API payload.
type APIProduct struct {
	Name          string      `json:"item_name"`
	Brand         string      `json:"item_brand"`
	Link          string      `json:"item_link"`
	ImageLink     string      `json:"item_image_link"`
	Price         FlexFloat   `json:"price"`
	ShelfPrice    FlexFloat   `json:"shelf_price"`
	Category      string      `json:"item_category"`
	Category2     string      `json:"item_category2"`
	Category3     string      `json:"item_category3"`
	Category4     string      `json:"item_category4"`
	Category5     string      `json:"item_category5"`
	IMFCategory   string      `json:"imf_category"`
	IMFClass      string      `json:"imf_class"`
	IMFDepartment string      `json:"imf_department"`
	QueryCategory NamedRef    `json:"query_category"`
	Ingredients   FlexStrings `json:"item_ingredients"`
}

// NamedRef is a nested {"name": ...} object.
type NamedRef struct {
	Name string `json:"name"`
}

// FlexFloat decodes numbers that may arrive as JSON numbers, strings or null.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode numeric string: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse number %q: %w", s, err)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode number: %w", err)
	}
	*f = FlexFloat(v)
	return nil
}

// FlexStrings decodes a JSON string or array of strings.
type FlexStrings []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode string list: %w", err)
		}
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("decode string: %w", err)
	}
	if single == "" {
		*s = nil
		return nil
	}
	*s = FlexStrings{single}
	return nil
}
