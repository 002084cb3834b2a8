// Package metrics exposes sync core counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/actionunit/aumanager/backend/internal/models"
)

const namespace = "aumanager"

// Run outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomePartial    = "partial"
	OutcomeAuthFailed = "auth_failed"
	OutcomeSkipped    = "skipped"
)

// Sync is the collector set for the sync engine. A nil *Sync is valid and
// records nothing.
type Sync struct {
	runs      *prometheus.CounterVec
	entries   *prometheus.CounterVec
	duration  prometheus.Histogram
	depth     prometheus.Gauge
	refreshes *prometheus.CounterVec
}

// NewSync creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewSync(reg prometheus.Registerer) *Sync {
	s := &Sync{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		}, []string{"outcome"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entries_total",
			Help:      "Queue entries processed by entity type and result.",
		}, []string{"entity_type", "result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs that drained the queue.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Live entries in the mutation queue.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(s.runs, s.entries, s.duration, s.depth, s.refreshes)
	}
	return s
}

// Run records a finished run.
func (s *Sync) Run(outcome string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.runs.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		s.duration.Observe(elapsed.Seconds())
	}
}

// Entry records one processed queue entry. result is synced, failed,
// deferred or dead.
func (s *Sync) Entry(t models.EntityType, result string) {
	if s == nil {
		return
	}
	s.entries.WithLabelValues(string(t), result).Inc()
}

// QueueDepth sets the queue depth gauge.
func (s *Sync) QueueDepth(n int) {
	if s == nil {
		return
	}
	s.depth.Set(float64(n))
}

// Refresh records a token refresh attempt.
func (s *Sync) Refresh(ok bool) {
	if s == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	s.refreshes.WithLabelValues(outcome).Inc()
}
