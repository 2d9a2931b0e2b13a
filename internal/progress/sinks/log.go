package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
)

// LogSink writes run milestones to a zap logger. Batch events go to Debug so a
// long sitemap flow does not flood production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Flow != "" {
			fields = append(fields,
				zap.String("flow", string(evt.Flow)),
				zap.Int("cursor", evt.Cursor),
				zap.Int("processed", evt.Processed),
				zap.Int("failed", evt.Failed),
				zap.Int("skipped", evt.Skipped),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageBatchDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageFlowAbort, progress.StageRunFailed:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
