package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

type productKey struct {
	source string
	url    string
}

// ProductStore is an in-memory catalog.ProductStore with the same upsert
// semantics as the Postgres store. It backs dry runs and tests.
type ProductStore struct {
	mu   sync.Mutex
	rows map[productKey]*catalog.ProductRecord
}

// NewProductStore creates an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{rows: make(map[productKey]*catalog.ProductRecord)}
}

// FindByURL returns a copy of the stored row.
func (s *ProductStore) FindByURL(_ context.Context, source, url string) (catalog.ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[productKey{source, url}]
	if !ok {
		return catalog.ProductRecord{}, fmt.Errorf("product %s: %w", url, catalog.ErrNotFound)
	}
	return cloneRecord(*row), nil
}

// BulkUpsert applies each op independently. Current values are overwritten,
// the price change is appended and created_at is only set on insert.
func (s *ProductStore) BulkUpsert(_ context.Context, ops []catalog.UpsertOp) (catalog.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res catalog.BulkResult
	for _, op := range ops {
		key := productKey{op.Record.Source, op.Record.URL}
		next := cloneRecord(op.Record)
		next.Scrapped = true
		next.IsDeleted = false
		next.UpdatedAt = op.At

		if existing, ok := s.rows[key]; ok {
			next.CreatedAt = existing.CreatedAt
			next.PriceHistory = append(clonePriceHistory(existing.PriceHistory), op.Change)
			if next.Description == "" {
				next.Description = existing.Description
			}
			s.rows[key] = &next
			res.Updated++
			continue
		}
		next.CreatedAt = op.At
		next.PriceHistory = []catalog.PriceChange{op.Change}
		s.rows[key] = &next
		res.Inserted++
	}
	return res, nil
}

// MarkUnscrapped clears the scrapped flag on every row of source.
func (s *ProductStore) MarkUnscrapped(_ context.Context, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, row := range s.rows {
		if key.source != source {
			continue
		}
		row.Scrapped = false
		n++
	}
	return n, nil
}

// SweepStale marks unscrapped rows of source as deleted.
func (s *ProductStore) SweepStale(_ context.Context, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, row := range s.rows {
		if key.source != source || row.Scrapped || row.IsDeleted {
			continue
		}
		row.IsDeleted = true
		n++
	}
	return n, nil
}

// ListMissingDescriptions returns live rows of source without a description, ordered by URL.
func (s *ProductStore) ListMissingDescriptions(_ context.Context, source string, limit int) ([]catalog.ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.ProductRecord
	for key, row := range s.rows {
		if key.source == source && !row.IsDeleted && row.Description == "" {
			out = append(out, cloneRecord(*row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateDescription sets the description of one row.
func (s *ProductStore) UpdateDescription(_ context.Context, source, url, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[productKey{source, url}]
	if !ok {
		return fmt.Errorf("product %s: %w", url, catalog.ErrNotFound)
	}
	row.Description = description
	return nil
}

// Records returns copies of every row of source ordered by URL.
func (s *ProductStore) Records(source string) []catalog.ProductRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.ProductRecord
	for key, row := range s.rows {
		if key.source == source {
			out = append(out, cloneRecord(*row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func cloneRecord(r catalog.ProductRecord) catalog.ProductRecord {
	r.Speciality = cloneStrings(r.Speciality)
	r.Ingredients = cloneStrings(r.Ingredients)
	r.Images = cloneStrings(r.Images)
	r.PriceHistory = clonePriceHistory(r.PriceHistory)
	if r.CutPrice != nil {
		v := *r.CutPrice
		r.CutPrice = &v
	}
	return r
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func clonePriceHistory(in []catalog.PriceChange) []catalog.PriceChange {
	if in == nil {
		return nil
	}
	return append([]catalog.PriceChange(nil), in...)
}
