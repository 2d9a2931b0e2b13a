// Package checkpoint persists per-flow crawl progress so interrupted runs resume
// from their last saved batch.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// DocumentName is the object name a flow's checkpoint is stored under.
func DocumentName(flow catalog.Flow) string {
	return string(flow) + "_progress.json"
}

func encode(flow catalog.Flow, cp *catalog.Checkpoint, now time.Time) ([]byte, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint for %s is nil", flow)
	}
	cp.Flow = flow
	cp.UpdatedAt = now
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode %s checkpoint: %w", flow, err)
	}
	return data, nil
}

func decode(flow catalog.Flow, data []byte) (*catalog.Checkpoint, error) {
	var cp catalog.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode %s checkpoint: %w", flow, err)
	}
	if cp.Flow == "" {
		cp.Flow = flow
	}
	return &cp, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
