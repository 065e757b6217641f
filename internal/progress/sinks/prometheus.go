package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/column-mirror/internal/progress"
)

// PrometheusSink exports mirror progress via Prometheus. It owns the
// collectors for runs, collections, pages, and static files.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsRunning  prometheus.Gauge
	runRuntime   prometheus.Histogram
	collections  *prometheus.CounterVec
	pages        *prometheus.CounterVec
	pageBytes    prometheus.Counter
	pageDuration *prometheus.HistogramVec
	statics      *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colmirror_runs_started_total",
			Help: "Total mirror runs that have started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "colmirror_runs_running",
			Help: "Current number of running mirror runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "colmirror_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200},
		}),
		collections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "colmirror_collections_total",
			Help: "Collections processed partitioned by result.",
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "colmirror_pages_total",
			Help: "Pages processed partitioned by outcome.",
		}, []string{"outcome"}),
		pageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colmirror_page_bytes_written_total",
			Help: "Bytes of rewritten pages written to the mirror.",
		}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "colmirror_page_duration_seconds",
			Help:    "Page mirror duration partitioned by outcome.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"outcome"}),
		statics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "colmirror_static_files_total",
			Help: "Shared static files processed partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsRunning,
		s.runRuntime,
		s.collections,
		s.pages,
		s.pageBytes,
		s.pageDuration,
		s.statics,
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
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageCollectionDone:
		s.collections.WithLabelValues("done").Inc()
	case progress.StageCollectionSkipped:
		s.collections.WithLabelValues("skipped").Inc()
	case progress.StagePageDone:
		s.pages.WithLabelValues(evt.Outcome).Inc()
		if evt.Bytes > 0 {
			s.pageBytes.Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.pageDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
		}
	case progress.StageStaticDone:
		s.statics.WithLabelValues(evt.Outcome).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
