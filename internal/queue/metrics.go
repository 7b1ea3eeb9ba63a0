package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for the queue. Attach one to a
// Queue with WithMetrics; without it the queue runs uninstrumented (a nil
// Metrics pointer is a no-op).
type Metrics struct {
	// EnqueuedTotal counts events successfully written to the spool.
	EnqueuedTotal prometheus.Counter

	// ConsumedTotal counts events removed after a successful consume.
	ConsumedTotal prometheus.Counter

	// QuarantinedTotal counts events renamed to err_* (poison entries).
	QuarantinedTotal prometheus.Counter

	// BackoffBumpsTotal counts per-service-key backoff increments.
	BackoffBumpsTotal prometheus.Counter

	// FlushesTotal counts Flush and Dequeue invocations that found work.
	FlushesTotal prometheus.Counter

	// CleanupRemovedTotal counts aged err_*/tmp_* files removed by Cleanup.
	CleanupRemovedTotal prometheus.Counter
}

// NewMetrics creates the queue metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_enqueued_total",
			Help: "Events successfully written to the spool directory.",
		}),
		ConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_consumed_total",
			Help: "Events removed from the spool after successful delivery.",
		}),
		QuarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_quarantined_total",
			Help: "Poison events renamed to err_* and removed from the live queue.",
		}),
		BackoffBumpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_backoff_bumps_total",
			Help: "Per-service-key backoff increments recorded during flushes.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_flushes_total",
			Help: "Flush passes that found at least one queued event.",
		}),
		CleanupRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_cleanup_removed_total",
			Help: "Aged err_* and tmp_* files removed by the cleanup sweeper.",
		}),
	}
	reg.MustRegister(
		m.EnqueuedTotal,
		m.ConsumedTotal,
		m.QuarantinedTotal,
		m.BackoffBumpsTotal,
		m.FlushesTotal,
		m.CleanupRemovedTotal,
	)
	return m
}

// ── nil-safe increment helpers ───────────────────────────────────────────────

func (q *Queue) metricEnqueued() {
	if q.metrics != nil {
		q.metrics.EnqueuedTotal.Inc()
	}
}

func (q *Queue) metricConsumed() {
	if q.metrics != nil {
		q.metrics.ConsumedTotal.Inc()
	}
}

func (q *Queue) metricQuarantined() {
	if q.metrics != nil {
		q.metrics.QuarantinedTotal.Inc()
	}
}

func (q *Queue) metricBackoffBump() {
	if q.metrics != nil {
		q.metrics.BackoffBumpsTotal.Inc()
	}
}

func (q *Queue) metricFlush() {
	if q.metrics != nil {
		q.metrics.FlushesTotal.Inc()
	}
}

func (q *Queue) metricCleanupRemoved() {
	if q.metrics != nil {
		q.metrics.CleanupRemovedTotal.Inc()
	}
}
