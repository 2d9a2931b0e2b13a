package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// Memory keeps encoded checkpoints in process memory. Documents are stored
// serialized so callers never share state with the store.
type Memory struct {
	mu   sync.Mutex
	docs map[catalog.Flow][]byte
	now  func() time.Time
}

// NewMemory constructs an empty in-memory checkpoint store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[catalog.Flow][]byte), now: nowUTC}
}

// Load returns the stored checkpoint or (nil, nil) when none exists.
func (m *Memory) Load(_ context.Context, flow catalog.Flow) (*catalog.Checkpoint, error) {
	m.mu.Lock()
	data, ok := m.docs[flow]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decode(flow, data)
}

// Save overwrites the flow's checkpoint.
func (m *Memory) Save(_ context.Context, flow catalog.Flow, cp *catalog.Checkpoint) error {
	data, err := encode(flow, cp, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[flow] = data
	return nil
}

// IsComplete reports whether the flow's checkpoint is marked completed.
func (m *Memory) IsComplete(ctx context.Context, flow catalog.Flow) (bool, error) {
	cp, err := m.Load(ctx, flow)
	if err != nil {
		return false, err
	}
	return cp != nil && cp.Completed, nil
}

// Clear deletes the flow's checkpoint.
func (m *Memory) Clear(_ context.Context, flow catalog.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, flow)
	return nil
}
