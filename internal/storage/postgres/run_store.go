package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// RunStore records pipeline runs in a Postgres table.
type RunStore struct {
	db    DB
	table string
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "ingest_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: table}, nil
}

// EnsureSchema creates the run log table when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id      text PRIMARY KEY,
	source      text NOT NULL,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz,
	status      text NOT NULL,
	processed   integer NOT NULL DEFAULT 0,
	inserted    integer NOT NULL DEFAULT 0,
	updated     integer NOT NULL DEFAULT 0,
	failed      integer NOT NULL DEFAULT 0,
	error       text
);
CREATE INDEX IF NOT EXISTS %[1]s_source_started_idx ON %[1]s (source, started_at DESC);`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// StartRun inserts a running entry. Restarting an existing run ID resets it.
func (s *RunStore) StartRun(ctx context.Context, runID, source string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, source, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET
	started_at = EXCLUDED.started_at,
	status = EXCLUDED.status,
	finished_at = NULL,
	error = NULL`, s.table)
	if _, err := s.db.Exec(ctx, query, runID, source, startedAt, string(catalog.RunRunning)); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run.
func (s *RunStore) FinishRun(ctx context.Context, result catalog.RunResult, errMsg *string) error {
	status := catalog.RunFailed
	if result.Success {
		status = catalog.RunSucceeded
	}
	totals := result.Totals()
	query := fmt.Sprintf(`
UPDATE %s SET
	finished_at = $2,
	status = $3,
	processed = $4,
	inserted = $5,
	updated = $6,
	failed = $7,
	error = $8
WHERE run_id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query,
		result.RunID,
		result.FinishedAt,
		string(status),
		totals.Processed,
		totals.Inserted,
		totals.Updated,
		totals.Failed,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", result.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", result.RunID, catalog.ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, source, started_at, finished_at, status, processed, inserted, updated, failed, error`

// LastRun returns the most recently started run of source.
func (s *RunStore) LastRun(ctx context.Context, source string) (catalog.RunLog, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE source = $1
ORDER BY started_at DESC
LIMIT 1`, runColumns, s.table)
	run, err := scanRun(s.db.QueryRow(ctx, query, source))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.RunLog{}, catalog.ErrNotFound
		}
		return catalog.RunLog{}, fmt.Errorf("load last run: %w", err)
	}
	return run, nil
}

// GetRun loads one run by id.
func (s *RunStore) GetRun(ctx context.Context, runID string) (catalog.RunLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1`, runColumns, s.table)
	run, err := scanRun(s.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.RunLog{}, fmt.Errorf("run %s: %w", runID, catalog.ErrNotFound)
		}
		return catalog.RunLog{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs of source, newest first, optionally filtered by status.
func (s *RunStore) ListRuns(ctx context.Context, source string, status *catalog.RunStatus, limit, offset int) ([]catalog.RunLog, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE source = $1 AND ($2::text IS NULL OR status = $2)
ORDER BY started_at DESC
LIMIT $3 OFFSET $4`, runColumns, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, query, source, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []catalog.RunLog
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (catalog.RunLog, error) {
	var (
		run    catalog.RunLog
		status string
	)
	err := row.Scan(
		&run.RunID,
		&run.Source,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Processed,
		&run.Inserted,
		&run.Updated,
		&run.Failed,
		&run.Error,
	)
	if err != nil {
		return run, err
	}
	run.Status = catalog.RunStatus(status)
	return run, nil
}
