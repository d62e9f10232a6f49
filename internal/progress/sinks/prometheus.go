package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitestitch/sitestitch/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for sessions started/completed/active and the page, batch, and
// upload counters.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	sessionDuration   *prometheus.HistogramVec

	pages        *prometheus.CounterVec
	batchFiles   prometheus.Counter
	batchRecords prometheus.Counter
	batchBytes   prometheus.Counter
	uploads      prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitestitch_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitestitch_sessions_completed_total",
			Help: "Total crawl sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitestitch_sessions_active",
			Help: "Current number of running crawl sessions.",
		}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitestitch_session_duration_seconds",
			Help:    "Wall time per completed crawl session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitestitch_pages_total",
			Help: "Page completions partitioned by outcome.",
		}, []string{"outcome"}),
		batchFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitestitch_batch_files_total",
			Help: "Combined output files written.",
		}),
		batchRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitestitch_batch_records_total",
			Help: "Records written into combined output files.",
		}),
		batchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitestitch_batch_bytes_total",
			Help: "Bytes written into combined output files.",
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitestitch_uploads_total",
			Help: "Output files uploaded to blob storage.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsActive,
		s.sessionDuration,
		s.pages,
		s.batchFiles,
		s.batchRecords,
		s.batchBytes,
		s.uploads,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsActive.Inc()
		}
	case progress.StageSessionDone:
		s.finishSession(evt, "success")
	case progress.StageSessionError:
		s.finishSession(evt, "error")
	case progress.StagePageDone:
		outcome := string(evt.Outcome)
		if outcome == "" {
			outcome = string(progress.OutcomeError)
		}
		s.pages.WithLabelValues(outcome).Inc()
	case progress.StageBatchFlush:
		s.batchFiles.Inc()
		if evt.Records > 0 {
			s.batchRecords.Add(float64(evt.Records))
		}
		if evt.Bytes > 0 {
			s.batchBytes.Add(float64(evt.Bytes))
		}
	case progress.StageUploadDone:
		s.uploads.Inc()
	}
}

func (s *PrometheusSink) finishSession(evt progress.Event, result string) {
	s.sessionsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
