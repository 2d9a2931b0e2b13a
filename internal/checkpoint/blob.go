package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// BlobStore keeps one JSON document per flow in a blob store. Atomicity of
// Save is delegated to the blob store's PutObject.
type BlobStore struct {
	blobs  catalog.BlobStore
	prefix string
	now    func() time.Time
}

// NewBlobStore constructs a blob-backed checkpoint store rooted at prefix.
func NewBlobStore(blobs catalog.BlobStore, prefix string) *BlobStore {
	return &BlobStore{
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		now:    nowUTC,
	}
}

func (s *BlobStore) path(flow catalog.Flow) string {
	if s.prefix == "" {
		return DocumentName(flow)
	}
	return s.prefix + "/" + DocumentName(flow)
}

// Load returns the stored checkpoint or (nil, nil) when none exists.
func (s *BlobStore) Load(ctx context.Context, flow catalog.Flow) (*catalog.Checkpoint, error) {
	data, err := s.blobs.GetObject(ctx, s.path(flow))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s checkpoint: %w", flow, err)
	}
	return decode(flow, data)
}

// Save overwrites the flow's checkpoint.
func (s *BlobStore) Save(ctx context.Context, flow catalog.Flow, cp *catalog.Checkpoint) error {
	data, err := encode(flow, cp, s.now())
	if err != nil {
		return err
	}
	if _, err := s.blobs.PutObject(ctx, s.path(flow), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", flow, err)
	}
	return nil
}

// IsComplete reports whether the flow's checkpoint is marked completed.
func (s *BlobStore) IsComplete(ctx context.Context, flow catalog.Flow) (bool, error) {
	cp, err := s.Load(ctx, flow)
	if err != nil {
		return false, err
	}
	return cp != nil && cp.Completed, nil
}

// Clear deletes the flow's checkpoint.
func (s *BlobStore) Clear(ctx context.Context, flow catalog.Flow) error {
	if err := s.blobs.DeleteObject(ctx, s.path(flow)); err != nil {
		return fmt.Errorf("clear %s checkpoint: %w", flow, err)
	}
	return nil
}
