package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

const productColumns = `source, url, sku, store_id, country, category, speciality, name,
	normalized_name, slug, brand, description, presentation, ingredients, images, price,
	cut_price, original_price, currency, conversion_rate, out_of_stock, is_deleted, scrapped,
	price_history, created_at, updated_at`

// ProductStore persists product rows keyed by (source, url).
type ProductStore struct {
	db    DB
	table string
}

// NewProductStore constructs a ProductStore over an existing pool.
func NewProductStore(db DB, table string) (*ProductStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "products")
	if err != nil {
		return nil, err
	}
	return &ProductStore{db: db, table: table}, nil
}

// EnsureSchema creates the products table and its indexes when missing.
func (s *ProductStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	source          text NOT NULL,
	url             text NOT NULL,
	sku             text NOT NULL DEFAULT '',
	store_id        text NOT NULL DEFAULT '',
	country         text NOT NULL DEFAULT '',
	category        text NOT NULL DEFAULT '',
	speciality      jsonb NOT NULL DEFAULT '[]',
	name            text NOT NULL DEFAULT '',
	normalized_name text NOT NULL DEFAULT '',
	slug            text NOT NULL DEFAULT '',
	brand           text NOT NULL DEFAULT '',
	description     text NOT NULL DEFAULT '',
	presentation    text NOT NULL DEFAULT '',
	ingredients     jsonb NOT NULL DEFAULT '[]',
	images          jsonb NOT NULL DEFAULT '[]',
	price           text NOT NULL DEFAULT '',
	cut_price       text,
	original_price  double precision NOT NULL DEFAULT 0,
	currency        text NOT NULL DEFAULT '',
	conversion_rate double precision NOT NULL DEFAULT 1,
	out_of_stock    boolean NOT NULL DEFAULT false,
	is_deleted      boolean NOT NULL DEFAULT false,
	scrapped        boolean NOT NULL DEFAULT false,
	price_history   jsonb NOT NULL DEFAULT '[]',
	created_at      timestamptz NOT NULL,
	updated_at      timestamptz NOT NULL,
	PRIMARY KEY (source, url)
);
CREATE INDEX IF NOT EXISTS %[1]s_source_scrapped_idx ON %[1]s (source, scrapped);`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// BulkUpsert queues one upsert statement per op into a single pgx.Batch sent
// inside a transaction. Each statement sets every current-value column, appends
// the op's price change to price_history and only seeds created_at when the row
// is inserted. When the batch fails its transaction is rolled back and the ops
// are replayed one statement at a time, so a failing op does not affect the
// others; failures are joined into the returned error.
func (s *ProductStore) BulkUpsert(ctx context.Context, ops []catalog.UpsertOp) (catalog.BulkResult, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (%[2]s)
VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
	false, true, jsonb_build_array($22::jsonb), $23, $23
)
ON CONFLICT (source, url) DO UPDATE SET
	sku = EXCLUDED.sku,
	store_id = EXCLUDED.store_id,
	country = EXCLUDED.country,
	category = EXCLUDED.category,
	speciality = EXCLUDED.speciality,
	name = EXCLUDED.name,
	normalized_name = EXCLUDED.normalized_name,
	slug = EXCLUDED.slug,
	brand = EXCLUDED.brand,
	description = COALESCE(NULLIF(EXCLUDED.description, ''), %[1]s.description),
	presentation = EXCLUDED.presentation,
	ingredients = EXCLUDED.ingredients,
	images = EXCLUDED.images,
	price = EXCLUDED.price,
	cut_price = EXCLUDED.cut_price,
	original_price = EXCLUDED.original_price,
	currency = EXCLUDED.currency,
	conversion_rate = EXCLUDED.conversion_rate,
	out_of_stock = EXCLUDED.out_of_stock,
	is_deleted = false,
	scrapped = true,
	price_history = %[1]s.price_history || EXCLUDED.price_history,
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0) AS inserted`, s.table, productColumns)

	var (
		res    catalog.BulkResult
		errs   []error
		queued []catalog.UpsertOp
	)
	batch := &pgx.Batch{}
	for _, op := range ops {
		args, err := upsertArgs(op)
		if err != nil {
			res.Failed = append(res.Failed, op.Record.URL)
			errs = append(errs, err)
			continue
		}
		batch.Queue(query, args...)
		queued = append(queued, op)
	}
	if len(queued) == 0 {
		return res, errors.Join(errs...)
	}

	inserted, err := s.sendUpsertBatch(ctx, batch)
	if err == nil {
		for _, ins := range inserted {
			countUpsert(&res, ins)
		}
		return res, errors.Join(errs...)
	}

	// Nothing from the batch was committed.
	for _, op := range queued {
		args, _ := upsertArgs(op)
		var ins bool
		if err := s.db.QueryRow(ctx, query, args...).Scan(&ins); err != nil {
			res.Failed = append(res.Failed, op.Record.URL)
			errs = append(errs, fmt.Errorf("upsert %s: %w", op.Record.URL, err))
			continue
		}
		countUpsert(&res, ins)
	}
	return res, errors.Join(errs...)
}

// sendUpsertBatch runs every queued upsert in one round trip and reports, in
// queue order, whether each one inserted a new row.
func (s *ProductStore) sendUpsertBatch(ctx context.Context, batch *pgx.Batch) ([]bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	inserted := make([]bool, batch.Len())
	for i := range inserted {
		if err := br.QueryRow().Scan(&inserted[i]); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("upsert batch item %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close upsert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert batch: %w", err)
	}
	return inserted, nil
}

func countUpsert(res *catalog.BulkResult, inserted bool) {
	if inserted {
		res.Inserted++
		return
	}
	res.Updated++
}

func upsertArgs(op catalog.UpsertOp) ([]any, error) {
	r := op.Record
	speciality, err := jsonList(r.Speciality)
	if err != nil {
		return nil, fmt.Errorf("encode speciality for %s: %w", r.URL, err)
	}
	ingredients, err := jsonList(r.Ingredients)
	if err != nil {
		return nil, fmt.Errorf("encode ingredients for %s: %w", r.URL, err)
	}
	images, err := jsonList(r.Images)
	if err != nil {
		return nil, fmt.Errorf("encode images for %s: %w", r.URL, err)
	}
	change, err := json.Marshal(op.Change)
	if err != nil {
		return nil, fmt.Errorf("encode price change for %s: %w", r.URL, err)
	}
	return []any{
		r.Source,
		r.URL,
		r.SKU,
		r.StoreID,
		r.Country,
		r.Category,
		speciality,
		r.Name,
		r.NormalizedName,
		r.Slug,
		r.Brand,
		r.Description,
		r.Presentation,
		ingredients,
		images,
		r.Price,
		r.CutPrice,
		r.OriginalPrice,
		r.Currency,
		r.ConversionRate,
		r.OutOfStock,
		string(change),
		op.At,
	}, nil
}

func jsonList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FindByURL loads one row.
func (s *ProductStore) FindByURL(ctx context.Context, source, url string) (catalog.ProductRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source = $1 AND url = $2`, productColumns, s.table)
	rec, err := scanProduct(s.db.QueryRow(ctx, query, source, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ProductRecord{}, fmt.Errorf("product %s: %w", url, catalog.ErrNotFound)
		}
		return catalog.ProductRecord{}, fmt.Errorf("find product %s: %w", url, err)
	}
	return rec, nil
}

// MarkUnscrapped clears the scrapped flag on every row of source.
func (s *ProductStore) MarkUnscrapped(ctx context.Context, source string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET scrapped = false WHERE source = $1`, s.table)
	tag, err := s.db.Exec(ctx, query, source)
	if err != nil {
		return 0, fmt.Errorf("mark unscrapped: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepStale marks live rows that were not reconfirmed as deleted.
func (s *ProductStore) SweepStale(ctx context.Context, source string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET is_deleted = true
WHERE source = $1 AND scrapped = false AND is_deleted = false`, s.table)
	tag, err := s.db.Exec(ctx, query, source)
	if err != nil {
		return 0, fmt.Errorf("sweep stale rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListMissingDescriptions pages through live rows without a description.
func (s *ProductStore) ListMissingDescriptions(ctx context.Context, source string, limit int) ([]catalog.ProductRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE source = $1 AND is_deleted = false AND description = ''
ORDER BY url
LIMIT $2`, productColumns, s.table)
	rows, err := s.db.Query(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing descriptions: %w", err)
	}
	defer rows.Close()

	var out []catalog.ProductRecord
	for rows.Next() {
		rec, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return out, nil
}

// UpdateDescription sets the description of one row.
func (s *ProductStore) UpdateDescription(ctx context.Context, source, url, description string) error {
	query := fmt.Sprintf(`UPDATE %s SET description = $1 WHERE source = $2 AND url = $3`, s.table)
	tag, err := s.db.Exec(ctx, query, description, source, url)
	if err != nil {
		return fmt.Errorf("update description %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", url, catalog.ErrNotFound)
	}
	return nil
}

func scanProduct(row pgx.Row) (catalog.ProductRecord, error) {
	var (
		rec                                 catalog.ProductRecord
		speciality, ingredients, images, ph []byte
	)
	err := row.Scan(
		&rec.Source,
		&rec.URL,
		&rec.SKU,
		&rec.StoreID,
		&rec.Country,
		&rec.Category,
		&speciality,
		&rec.Name,
		&rec.NormalizedName,
		&rec.Slug,
		&rec.Brand,
		&rec.Description,
		&rec.Presentation,
		&ingredients,
		&images,
		&rec.Price,
		&rec.CutPrice,
		&rec.OriginalPrice,
		&rec.Currency,
		&rec.ConversionRate,
		&rec.OutOfStock,
		&rec.IsDeleted,
		&rec.Scrapped,
		&ph,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{speciality, &rec.Speciality},
		{ingredients, &rec.Ingredients},
		{images, &rec.Images},
		{ph, &rec.PriceHistory},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return rec, fmt.Errorf("decode json column: %w", err)
		}
	}
	return rec, nil
}
