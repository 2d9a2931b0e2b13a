package pipeline

import (
	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
)

func (o *Orchestrator) currentRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// emit stamps evt and hands it to the configured emitter. Events outside a run
// are not reported.
func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Events == nil || evt.RunID == "" {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = o.deps.Clock.Now()
	}
	o.deps.Events.Emit(evt)
}

func (o *Orchestrator) emitFlow(fr *flowRun, stage progress.Stage, note string) {
	evt := progress.Event{
		RunID:     fr.runID,
		Stage:     stage,
		Flow:      fr.flow,
		Processed: fr.result.Processed,
		Failed:    fr.result.Failed,
		Skipped:   fr.result.Skipped,
		Note:      note,
	}
	if fr.cp != nil {
		evt.Cursor = fr.cp.Cursor
	}
	if stage.Terminal() {
		evt.Dur = max(o.deps.Clock.Now().Sub(fr.started), 0)
	}
	o.emit(evt)
}

func (o *Orchestrator) emitBatch(fr *flowRun) {
	o.emitFlow(fr, progress.StageBatchDone, "")
}

func (o *Orchestrator) emitRunEnd(result catalog.RunResult, runErr error) {
	totals := result.Totals()
	evt := progress.Event{
		RunID:     result.RunID,
		Stage:     progress.StageRunDone,
		Processed: totals.Processed,
		Failed:    totals.Failed,
		Skipped:   totals.Skipped,
		Dur:       max(result.FinishedAt.Sub(result.StartedAt), 0),
	}
	if !result.Success {
		evt.Stage = progress.StageRunFailed
	}
	if runErr != nil {
		evt.Note = runErr.Error()
	}
	o.emit(evt)
}
