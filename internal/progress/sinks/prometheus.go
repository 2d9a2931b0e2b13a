package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/progress"
)

// PrometheusSink exports run and flow progress. It owns its collectors so
// tests can register them against a private registry.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	flowOutcomes *prometheus.CounterVec
	flowBatches  *prometheus.CounterVec
	flowCursor   *prometheus.GaugeVec
	flowDuration *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_runs_started_total",
			Help: "Total ingestion runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_runs_completed_total",
			Help: "Total ingestion runs finished, partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_runs_running",
			Help: "Ingestion runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		flowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_flow_outcomes_total",
			Help: "Flow executions by flow and outcome.",
		}, []string{"flow", "outcome"}),
		flowBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_flow_batches_total",
			Help: "Checkpointed batches per flow.",
		}, []string{"flow"}),
		flowCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalog_flow_cursor",
			Help: "Checkpoint cursor of the most recent batch per flow.",
		}, []string{"flow"}),
		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_flow_duration_seconds",
			Help:    "Wall time per finished flow.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"flow", "outcome"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.flowOutcomes,
		s.flowBatches,
		s.flowCursor,
		s.flowDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.track(evt.RunID, true) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone, progress.StageRunFailed:
		result := "success"
		if evt.Stage == progress.StageRunFailed {
			result = "failed"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.track(evt.RunID, false) {
			s.runsRunning.Dec()
		}
	case progress.StageBatchDone:
		flow := string(evt.Flow)
		s.flowBatches.WithLabelValues(flow).Inc()
		s.flowCursor.WithLabelValues(flow).Set(float64(evt.Cursor))
	case progress.StageFlowDone, progress.StageFlowAbort:
		outcome := "completed"
		if evt.Stage == progress.StageFlowAbort {
			outcome = "aborted"
		}
		s.flowOutcomes.WithLabelValues(string(evt.Flow), outcome).Inc()
		if evt.Dur > 0 {
			s.flowDuration.WithLabelValues(string(evt.Flow), outcome).Observe(evt.Dur.Seconds())
		}
	}
}

// track records a run as started or finished and reports whether the state changed.
func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	switch {
	case start && !ok:
		s.running[runID] = struct{}{}
		return true
	case !start && ok:
		delete(s.running, runID)
		return true
	default:
		return false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
