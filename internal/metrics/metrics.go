// Package metrics registers the sync engine's prometheus collectors.
//
// All recording methods are safe on a nil *Collectors so components can run
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gravity_collab"

// Compaction outcomes.
const (
	OutcomeCompacted = "compacted"
	OutcomeNoop      = "noop"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Collectors groups the engine's metrics.
type Collectors struct {
	updatesAppended    *prometheus.CounterVec
	updatesRejected    *prometheus.CounterVec
	eventsPublished    *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	openRooms          prometheus.Gauge
	compactionRuns     *prometheus.CounterVec
	compactionDuration prometheus.Histogram
	compactionFolded   prometheus.Counter
	jobsEnqueued       *prometheus.CounterVec
	jobFailures        *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Collectors{
		updatesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_appended_total",
			Help:      "Update records persisted to the update log, by kind",
		}, []string{"kind"}),
		updatesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_rejected_total",
			Help:      "Client frames rejected by the session coordinator, by reason",
		}, []string{"reason"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_published_total",
			Help:      "Events published on the fanout bus, by kind",
		}, []string{"kind"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open sync sessions in this process",
		}),
		openRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_open",
			Help:      "Documents with an in-memory replica in this process",
		}),
		compactionRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_runs_total",
			Help:      "Compactor invocations, by outcome",
		}, []string{"outcome"}),
		compactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Wall time of compactor runs that held the lease",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		compactionFolded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_records_folded_total",
			Help:      "Update records folded into snapshots",
		}),
		jobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Background jobs enqueued, by job name",
		}, []string{"job"}),
		jobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Background job deliveries that returned an error, by job name",
		}, []string{"job"}),
	}
}

func (c *Collectors) UpdateAppended(kind string) {
	if c == nil {
		return
	}
	c.updatesAppended.WithLabelValues(kind).Inc()
}

func (c *Collectors) UpdateRejected(reason string) {
	if c == nil {
		return
	}
	c.updatesRejected.WithLabelValues(reason).Inc()
}

func (c *Collectors) EventPublished(kind string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(kind).Inc()
}

func (c *Collectors) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collectors) SessionClosed() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

func (c *Collectors) RoomOpened() {
	if c == nil {
		return
	}
	c.openRooms.Inc()
}

func (c *Collectors) RoomClosed() {
	if c == nil {
		return
	}
	c.openRooms.Dec()
}

// CompactionFinished records one compactor run.
func (c *Collectors) CompactionFinished(outcome string, folded int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.compactionRuns.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	c.compactionDuration.Observe(elapsed.Seconds())
	if folded > 0 {
		c.compactionFolded.Add(float64(folded))
	}
}

func (c *Collectors) JobEnqueued(job string) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(job).Inc()
}

func (c *Collectors) JobFailed(job string) {
	if c == nil {
		return
	}
	c.jobFailures.WithLabelValues(job).Inc()
}
