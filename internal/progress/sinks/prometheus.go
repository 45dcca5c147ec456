package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ingestd/internal/progress"
)

// PrometheusSink exports ingest progress via Prometheus. It owns the
// collectors for runs started/completed/running plus per-source item counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	itemsEnqueued  *prometheus.CounterVec
	itemsTotal     *prometheus.CounterVec
	itemsDropped   prometheus.Counter
	itemErrors     *prometheus.CounterVec
	itemBytes      *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec

	runs *runSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_runs_completed_total",
			Help: "Total runs completed partitioned by terminal state.",
		}, []string{"state"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestd_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		itemsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_items_enqueued_total",
			Help: "Items accepted by the queue per source.",
		}, []string{"source"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_items_total",
			Help: "Consumed items partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		itemsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_items_dropped_total",
			Help: "Items discarded after the drain deadline.",
		}),
		itemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_errors_total",
			Help: "Errors partitioned by kind.",
		}, []string{"kind"}),
		itemBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_item_bytes_total",
			Help: "Payload bytes handled per source.",
		}, []string{"source"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestd_handle_duration_seconds",
			Help:    "Handler latency per source.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"source"}),
		runs: newRunSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.itemsEnqueued,
		s.itemsTotal,
		s.itemsDropped,
		s.itemErrors,
		s.itemBytes,
		s.handleDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
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
		if s.runs.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.completeRun(evt, "stopped")
	case progress.StageRunError:
		s.completeRun(evt, "failed")
	case progress.StageFetchBatch:
		s.itemsEnqueued.WithLabelValues(evt.Source).Add(float64(evt.Items))
	case progress.StageItemDone:
		s.itemsTotal.WithLabelValues(evt.Source, "success").Inc()
		if evt.Bytes > 0 {
			s.itemBytes.WithLabelValues(evt.Source).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.handleDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
	case progress.StageItemDuplicate:
		s.itemsTotal.WithLabelValues(evt.Source, "duplicate").Inc()
	case progress.StageItemError:
		s.itemErrors.WithLabelValues(string(evt.Kind)).Inc()
	case progress.StageItemDropped:
		s.itemsDropped.Add(float64(evt.Items))
	}
}

func (s *PrometheusSink) completeRun(evt progress.Event, state string) {
	s.runsCompleted.WithLabelValues(state).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(state).Observe(evt.Dur.Seconds())
	}
	if s.runs.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runSet struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunSet() *runSet {
	return &runSet{running: make(map[[16]byte]struct{})}
}

func (t *runSet) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runSet) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
