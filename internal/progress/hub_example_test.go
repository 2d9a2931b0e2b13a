package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit totals processed items per flow from batch events.
func ExampleHub_Emit() {
	processed := map[catalog.Flow]int{}
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: time.Second}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageBatchDone {
				processed[evt.Flow] += evt.Processed
			}
		}
		return nil
	}))

	ts := time.Unix(0, 0)
	hub.Emit(Event{RunID: "run-1", TS: ts, Stage: StageBatchDone, Flow: catalog.FlowSitemap, Cursor: 30, Processed: 28})
	hub.Emit(Event{RunID: "run-1", TS: ts, Stage: StageBatchDone, Flow: catalog.FlowSitemap, Cursor: 60, Processed: 30})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("sitemap processed: %d\n", processed[catalog.FlowSitemap])
	// Output:
	// sitemap processed: 58
}
