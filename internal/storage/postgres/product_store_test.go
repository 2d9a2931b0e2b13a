package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockProductStore(t *testing.T) (*ProductStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewProductStore(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewProductStoreValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := NewProductStore(nil, "products")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewProductStore(mock, "products; DROP TABLE x")
	require.Error(t, err)

	store, err := NewProductStore(mock, "")
	require.NoError(t, err)
	assert.Equal(t, "products", store.table)
}

// batchDB routes Begin to a scripted transaction and everything else to pgxmock.
type batchDB struct {
	pgxmock.PgxPoolIface
	tx       *batchTx
	beginErr error
}

func (d *batchDB) Begin(context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.tx, nil
}

type batchTx struct {
	pgx.Tx
	inserted   []bool
	failAt     int
	failErr    error
	batch      *pgx.Batch
	committed  bool
	rolledBack bool
}

func (tx *batchTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	tx.batch = b
	return &batchResults{tx: tx}
}

func (tx *batchTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *batchTx) Rollback(context.Context) error {
	if !tx.committed {
		tx.rolledBack = true
	}
	return nil
}

type batchResults struct {
	pgx.BatchResults
	tx   *batchTx
	next int
}

func (r *batchResults) QueryRow() pgx.Row {
	i := r.next
	r.next++
	if r.tx.failErr != nil && i == r.tx.failAt {
		return scanRow(func(...any) error { return r.tx.failErr })
	}
	return scanRow(func(dest ...any) error {
		*dest[0].(*bool) = r.tx.inserted[i]
		return nil
	})
}

func (r *batchResults) Close() error { return nil }

type scanRow func(dest ...any) error

func (f scanRow) Scan(dest ...any) error { return f(dest...) }

func newBatchProductStore(t *testing.T, tx *batchTx, beginErr error) (*ProductStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewProductStore(&batchDB{PgxPoolIface: mock, tx: tx, beginErr: beginErr}, "")
	require.NoError(t, err)
	return store, mock
}

func TestBulkUpsertCountsInsertsAndUpdates(t *testing.T) {
	t.Parallel()

	tx := &batchTx{inserted: []bool{true, false}}
	store, mock := newBatchProductStore(t, tx, nil)
	at := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	ops := []catalog.UpsertOp{
		{
			Record: catalog.ProductRecord{Source: "shop", URL: "https://shop.test/p/1", Price: "10.00"},
			Change: catalog.PriceChange{Price: "10.00", Timestamp: at},
			At:     at,
		},
		{
			Record: catalog.ProductRecord{Source: "shop", URL: "https://shop.test/p/2", Price: "4.50"},
			Change: catalog.PriceChange{Price: "4.50", Timestamp: at},
			At:     at,
		},
	}

	res, err := store.BulkUpsert(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Failed)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)

	require.NotNil(t, tx.batch)
	require.Len(t, tx.batch.QueuedQueries, 2)
	first := tx.batch.QueuedQueries[0]
	assert.Regexp(t, `INSERT INTO products .*ON CONFLICT \(source, url\) DO UPDATE`, first.SQL)
	assert.Contains(t, first.SQL, "price_history = products.price_history || EXCLUDED.price_history")
	require.Len(t, first.Arguments, 23)
	assert.Equal(t, "shop", first.Arguments[0])
	assert.Equal(t, "https://shop.test/p/1", first.Arguments[1])
	assert.Equal(t, "[]", first.Arguments[6])
	assert.Equal(t, at, first.Arguments[22])
	assert.Equal(t, "https://shop.test/p/2", tx.batch.QueuedQueries[1].Arguments[1])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertReplaysFailedBatchPerOp(t *testing.T) {
	t.Parallel()

	tx := &batchTx{inserted: []bool{true, true}, failAt: 0, failErr: errors.New("value too long")}
	store, mock := newBatchProductStore(t, tx, nil)
	at := time.Now().UTC()
	ops := []catalog.UpsertOp{
		{Record: catalog.ProductRecord{Source: "shop", URL: "bad"}, At: at},
		{Record: catalog.ProductRecord{Source: "shop", URL: "good"}, At: at},
	}

	mock.ExpectQuery(`INSERT INTO products`).
		WithArgs(anyArgs(23)...).
		WillReturnError(errors.New("value too long"))
	mock.ExpectQuery(`INSERT INTO products`).
		WithArgs(anyArgs(23)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	res, err := store.BulkUpsert(context.Background(), ops)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert bad")
	assert.NotContains(t, err.Error(), "upsert good")
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, []string{"bad"}, res.Failed)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertFallsBackWhenBeginFails(t *testing.T) {
	t.Parallel()

	store, mock := newBatchProductStore(t, nil, errors.New("pool exhausted"))
	at := time.Now().UTC()
	ops := []catalog.UpsertOp{
		{Record: catalog.ProductRecord{Source: "shop", URL: "a"}, At: at},
		{Record: catalog.ProductRecord{Source: "shop", URL: "b"}, At: at},
	}

	mock.ExpectQuery(`INSERT INTO products`).
		WithArgs(anyArgs(23)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO products`).
		WithArgs(anyArgs(23)...).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	res, err := store.BulkUpsert(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertSkipsEmptyBatch(t *testing.T) {
	t.Parallel()

	tx := &batchTx{}
	store, mock := newBatchProductStore(t, tx, nil)

	res, err := store.BulkUpsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Nil(t, tx.batch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func productRow(url, description string, created time.Time) []any {
	return []any{
		"shop", url, "SKU1", "store-1", "SA", "Vitamins", []byte(`["kids"]`), "Vitamin C",
		"vitamin c", "vitamin-c", "Acme", description, "30 tablets", []byte(`["ascorbic acid"]`),
		[]byte(`["https://img.test/1.jpg"]`), "12.00", nil, 12.0, "SAR", 1.0, false, false, true,
		[]byte(`[{"price":"12.00","originalPrice":12,"originalPriceCurrency":"SAR","conversionRate":1,"date":"2025-04-01T08:00:00Z"}]`),
		created, created,
	}
}

var productColumnNames = []string{
	"source", "url", "sku", "store_id", "country", "category", "speciality", "name",
	"normalized_name", "slug", "brand", "description", "presentation", "ingredients", "images", "price",
	"cut_price", "original_price", "currency", "conversion_rate", "out_of_stock", "is_deleted", "scrapped",
	"price_history", "created_at", "updated_at",
}

func TestFindByURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockProductStore(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .* FROM products WHERE source = \$1 AND url = \$2`).
		WithArgs("shop", "u1").
		WillReturnRows(pgxmock.NewRows(productColumnNames).AddRow(productRow("u1", "", created)...))

	rec, err := store.FindByURL(context.Background(), "shop", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Vitamin C", rec.Name)
	assert.Equal(t, []string{"kids"}, rec.Speciality)
	assert.Equal(t, []string{"https://img.test/1.jpg"}, rec.Images)
	require.Len(t, rec.PriceHistory, 1)
	assert.Equal(t, "12.00", rec.PriceHistory[0].Price)
	assert.Nil(t, rec.CutPrice)
	assert.True(t, rec.Scrapped)
	assert.Equal(t, created, rec.CreatedAt)

	mock.ExpectQuery(`SELECT .* FROM products`).
		WithArgs("shop", "missing").
		WillReturnRows(pgxmock.NewRows(productColumnNames))
	_, err = store.FindByURL(context.Background(), "shop", "missing")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAndSweep(t *testing.T) {
	t.Parallel()

	store, mock := newMockProductStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE products SET scrapped = false WHERE source = \$1`).
		WithArgs("shop").
		WillReturnResult(pgxmock.NewResult("UPDATE", 42))
	mock.ExpectExec(`UPDATE products SET is_deleted = true`).
		WithArgs("shop").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(`UPDATE products SET is_deleted = true`).
		WithArgs("shop").
		WillReturnError(errors.New("deadlock detected"))

	marked, err := store.MarkUnscrapped(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(42), marked)

	swept, err := store.SweepStale(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(3), swept)

	_, err = store.SweepStale(ctx, "shop")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDescriptionBackfillQueries(t *testing.T) {
	t.Parallel()

	store, mock := newMockProductStore(t)
	ctx := context.Background()
	created := time.Now().UTC()

	mock.ExpectQuery(`description = '' ORDER BY url LIMIT \$2`).
		WithArgs("shop", 2).
		WillReturnRows(pgxmock.NewRows(productColumnNames).
			AddRow(productRow("a", "", created)...).
			AddRow(productRow("b", "", created)...))
	mock.ExpectExec(`UPDATE products SET description = \$1`).
		WithArgs("Daily vitamin", "shop", "a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE products SET description = \$1`).
		WithArgs("x", "shop", "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	rows, err := store.ListMissingDescriptions(ctx, "shop", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].URL)
	assert.Equal(t, "b", rows[1].URL)

	require.NoError(t, store.UpdateDescription(ctx, "shop", "a", "Daily vitamin"))
	assert.ErrorIs(t, store.UpdateDescription(ctx, "shop", "gone", "x"), catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockProductStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS products`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
