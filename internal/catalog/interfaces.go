package catalog

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by stores when the requested item does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointStore persists per-flow progress. Save must be atomic.
type CheckpointStore interface {
	// Load returns (nil, nil) when no checkpoint exists for flow.
	Load(ctx context.Context, flow Flow) (*Checkpoint, error)
	Save(ctx context.Context, flow Flow, cp *Checkpoint) error
	IsComplete(ctx context.Context, flow Flow) (bool, error)
	Clear(ctx context.Context, flow Flow) error
}

// ProductStore is the destination of normalized records.
type ProductStore interface {
	FindByURL(ctx context.Context, source, url string) (ProductRecord, error)
	BulkUpsert(ctx context.Context, ops []UpsertOp) (BulkResult, error)
	MarkUnscrapped(ctx context.Context, source string) (int64, error)
	SweepStale(ctx context.Context, source string) (int64, error)
	ListMissingDescriptions(ctx context.Context, source string, limit int) ([]ProductRecord, error)
	UpdateDescription(ctx context.Context, source, url, description string) error
}

// RunStatus is the lifecycle state stored in the run log.
type RunStatus string

const (
	// RunRunning marks a run that has started but not finished.
	RunRunning RunStatus = "running"
	// RunSucceeded marks a run whose requested flows all completed.
	RunSucceeded RunStatus = "succeeded"
	// RunFailed marks a run with at least one aborted flow.
	RunFailed RunStatus = "failed"
)

// RunLog is one row of the run log.
type RunLog struct {
	RunID      string     `json:"run_id"`
	Source     string     `json:"source"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Processed  int        `json:"processed"`
	Inserted   int        `json:"inserted"`
	Updated    int        `json:"updated"`
	Failed     int        `json:"failed"`
	Error      *string    `json:"error,omitempty"`
}

// RunStore records pipeline runs.
type RunStore interface {
	StartRun(ctx context.Context, runID, source string, startedAt time.Time) error
	FinishRun(ctx context.Context, result RunResult, errMsg *string) error
	LastRun(ctx context.Context, source string) (RunLog, error)
	GetRun(ctx context.Context, runID string) (RunLog, error)
	ListRuns(ctx context.Context, source string, status *RunStatus, limit, offset int) ([]RunLog, error)
}

// BlobStore reads and writes opaque objects by path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// PageExtractor scrapes rendered storefront pages. Implementations return empty
// results on timeout instead of errors.
type PageExtractor interface {
	ExtractDescription(ctx context.Context, url string) (string, error)
	ExtractFacetList(ctx context.Context) ([]Facet, error)
	ExtractProductKeysForFacet(ctx context.Context, locator string, maxPages int) ([]string, error)
	Close() error
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
