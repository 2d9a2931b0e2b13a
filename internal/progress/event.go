package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageRunFailed Stage = "RUN_FAILED"
	StageFlowStart Stage = "FLOW_START"
	StageBatchDone Stage = "BATCH_DONE"
	StageFlowDone  Stage = "FLOW_DONE"
	StageFlowAbort Stage = "FLOW_ABORT"
)

// Event is one progress milestone of a run.
type Event struct {
	RunID string
	TS    time.Time
	Stage Stage
	// Flow is empty for run-level stages.
	Flow catalog.Flow
	// Cursor is the flow's checkpoint cursor after the milestone.
	Cursor    int
	Processed int
	Failed    int
	Skipped   int
	// Dur is the wall time of the run or flow for terminal stages.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on an Event.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunFailed:
	case StageFlowStart, StageBatchDone, StageFlowDone, StageFlowAbort:
		if e.Flow == "" {
			return fmt.Errorf("%s requires a flow", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Cursor < 0 || e.Processed < 0 || e.Failed < 0 || e.Skipped < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a run or flow.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunFailed, StageFlowDone, StageFlowAbort:
		return true
	default:
		return false
	}
}
