// Package metrics holds the ledger's Prometheus collectors. Collectors are
// registered on the registry passed to New and handed to components at
// construction; a nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of ledger collectors.
type Metrics struct {
	// Ingestion
	EventsIngested  *prometheus.CounterVec
	EventsDLQ       *prometheus.CounterVec
	ListenerRetries prometheus.Counter
	ListenerStalls  prometheus.Counter
	CursorSequence  prometheus.Gauge

	// Write model
	MutationsApplied  *prometheus.CounterVec
	VersionConflicts  prometheus.Counter
	BulkItems         *prometheus.CounterVec
	ReprocessAttempts *prometheus.CounterVec

	// Read model
	RefreshDuration *prometheus.HistogramVec
	RefreshFailures *prometheus.CounterVec
	RefreshQueue    prometheus.Gauge
	RowsChanged     prometheus.Counter

	// Reconciliation
	ReconciliationRuns     *prometheus.CounterVec
	ReconciliationDuration *prometheus.HistogramVec
	Inconsistencies        *prometheus.CounterVec
	RuleFailures           *prometheus.CounterVec
	SkippedTriggers        *prometheus.CounterVec
}

// New registers the ledger collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_events_ingested_total",
				Help: "Chain events handled by the processor by type and result",
			},
			[]string{"type", "result"},
		),
		EventsDLQ: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_events_dlq_total",
				Help: "Stream messages sent to the dead-letter subject by reason",
			},
			[]string{"reason"},
		),
		ListenerRetries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_ledger_listener_retries_total",
				Help: "Subscription attempts retried after a transport error",
			},
		),
		ListenerStalls: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_ledger_listener_stalls_total",
				Help: "Subscriptions stopped on a message that could not be stored",
			},
		),
		CursorSequence: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_ledger_cursor_sequence",
				Help: "Last committed stream sequence",
			},
		),

		MutationsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_mutations_applied_total",
				Help: "Write-model mutations committed by operation",
			},
			[]string{"operation"},
		),
		VersionConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_ledger_version_conflicts_total",
				Help: "Mutations rejected because the expected version was stale",
			},
		),
		BulkItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_bulk_items_total",
				Help: "Bulk-create items by outcome",
			},
			[]string{"outcome"},
		),
		ReprocessAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_reprocess_attempts_total",
				Help: "Unprocessed events retried by the sweep by result",
			},
			[]string{"result"},
		),

		RefreshDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arena_ledger_view_refresh_duration_seconds",
				Help:    "Duration of read-model refreshes by mode",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		RefreshFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_view_refresh_failures_total",
				Help: "Read-model refreshes rolled back by mode",
			},
			[]string{"mode"},
		),
		RefreshQueue: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_ledger_view_refresh_queue_depth",
				Help: "Aggregates waiting for an asynchronous targeted refresh",
			},
		),
		RowsChanged: f.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_ledger_view_rows_changed_total",
				Help: "Read-model rows rewritten by refreshes",
			},
		),

		ReconciliationRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_reconciliation_runs_total",
				Help: "Reconciliation runs by type and status",
			},
			[]string{"type", "status"},
		),
		ReconciliationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arena_ledger_reconciliation_duration_seconds",
				Help:    "Duration of reconciliation runs by type",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"type"},
		),
		Inconsistencies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_inconsistencies_total",
				Help: "Inconsistencies detected by kind",
			},
			[]string{"kind"},
		),
		RuleFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_rule_failures_total",
				Help: "Reconciliation rules that failed to execute",
			},
			[]string{"rule"},
		),
		SkippedTriggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_ledger_skipped_triggers_total",
				Help: "Scheduled triggers skipped by job and reason",
			},
			[]string{"job", "reason"},
		),
	}
}

// Event records one processor outcome.
func (m *Metrics) Event(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(eventType, result).Inc()
}

// DLQ records a dead-lettered message.
func (m *Metrics) DLQ(reason string) {
	if m == nil {
		return
	}
	m.EventsDLQ.WithLabelValues(reason).Inc()
}

// ListenerRetry records a resubscribe attempt.
func (m *Metrics) ListenerRetry() {
	if m == nil {
		return
	}
	m.ListenerRetries.Inc()
}

// ListenerStall records a subscription held on an unstored message.
func (m *Metrics) ListenerStall() {
	if m == nil {
		return
	}
	m.ListenerStalls.Inc()
}

// Cursor records the committed stream position.
func (m *Metrics) Cursor(seq uint64) {
	if m == nil {
		return
	}
	m.CursorSequence.Set(float64(seq))
}

// Mutation records a committed write-model mutation.
func (m *Metrics) Mutation(op string) {
	if m == nil {
		return
	}
	m.MutationsApplied.WithLabelValues(op).Inc()
}

// Conflict records a stale expected version.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.VersionConflicts.Inc()
}

// BulkItem records one bulk-create item outcome.
func (m *Metrics) BulkItem(outcome string) {
	if m == nil {
		return
	}
	m.BulkItems.WithLabelValues(outcome).Inc()
}

// Reprocess records one sweep retry.
func (m *Metrics) Reprocess(result string) {
	if m == nil {
		return
	}
	m.ReprocessAttempts.WithLabelValues(result).Inc()
}

// Refresh records a read-model refresh.
func (m *Metrics) Refresh(mode string, d time.Duration, changed int, err error) {
	if m == nil {
		return
	}
	m.RefreshDuration.WithLabelValues(mode).Observe(d.Seconds())
	if err != nil {
		m.RefreshFailures.WithLabelValues(mode).Inc()
		return
	}
	m.RowsChanged.Add(float64(changed))
}

// QueueDepth records the async refresh backlog.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.RefreshQueue.Set(float64(n))
}

// Run records a finished reconciliation run.
func (m *Metrics) Run(runType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconciliationRuns.WithLabelValues(runType, status).Inc()
	m.ReconciliationDuration.WithLabelValues(runType).Observe(d.Seconds())
}

// Found records detected inconsistencies of one kind.
func (m *Metrics) Found(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Inconsistencies.WithLabelValues(kind).Add(float64(n))
}

// RuleFailed records a rule that errored.
func (m *Metrics) RuleFailed(rule string) {
	if m == nil {
		return
	}
	m.RuleFailures.WithLabelValues(rule).Inc()
}

// Skipped records a scheduled trigger that did not run.
func (m *Metrics) Skipped(job, reason string) {
	if m == nil {
		return
	}
	m.SkippedTriggers.WithLabelValues(job, reason).Inc()
}
