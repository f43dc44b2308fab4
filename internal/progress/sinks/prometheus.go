package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/clipbrief/internal/progress"
)

// PrometheusSink derives job lifecycle metrics from progress events.
type PrometheusSink struct {
	jobsStarted    *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	duplicates     prometheus.Counter
	downloadBytes  *prometheus.CounterVec
	heartbeats     prometheus.Counter
	analysisTotals prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipbrief_jobs_started_total",
			Help: "Jobs started, partitioned by kind (original or rerun).",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipbrief_jobs_completed_total",
			Help: "Jobs completed, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clipbrief_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipbrief_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipbrief_jobs_duplicate_total",
			Help: "Links that had already been processed.",
		}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipbrief_job_download_bytes_total",
			Help: "Video bytes downloaded per site.",
		}, []string{"site"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipbrief_job_heartbeats_total",
			Help: "Heartbeat edits emitted while waiting on analysis.",
		}),
		analysisTotals: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipbrief_job_analysis_attempts",
			Help:    "Analysis calls needed per finished job.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.duplicates,
		s.downloadBytes,
		s.heartbeats,
		s.analysisTotals,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		kind := "original"
		if evt.Rerun {
			kind = "rerun"
		}
		s.jobsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.MessageID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finish(evt, "success")
	case progress.StageJobError:
		s.finish(evt, "error")
	case progress.StageJobDuplicate:
		s.duplicates.Inc()
	case progress.StageDownloadDone:
		if evt.Bytes > 0 {
			s.downloadBytes.WithLabelValues(evt.Site).Add(float64(evt.Bytes))
		}
	case progress.StageJobHB:
		s.heartbeats.Inc()
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if evt.Attempts > 0 {
		s.analysisTotals.Observe(float64(evt.Attempts))
	}
	if s.tracker.complete(evt.MessageID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[int64]struct{})}
}

func (t *jobTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
