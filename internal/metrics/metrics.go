// Package metrics registers the factory's Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the factory.
type Metrics struct {
	// Workflow run metrics
	RunsStarted        *prometheus.CounterVec
	RunsCompleted      *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RunIterations      *prometheus.HistogramVec
	GateOutcomes       *prometheus.CounterVec
	ToolInvocations    *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	ApprovalsRequested *prometheus.CounterVec
	ApprovalsResolved  *prometheus.CounterVec

	// Negotiation metrics
	DealTransitions   *prometheus.CounterVec
	DiscountsApplied  *prometheus.CounterVec
	DiscountsRejected *prometheus.CounterVec
	TouchesRecorded   *prometheus.CounterVec
	FollowUpsEnqueued prometheus.Counter
	FollowUpsDeduped  prometheus.Counter
	QuotesCalculated  *prometheus.CounterVec

	// System metrics
	QueueDepth          *prometheus.GaugeVec
	SweepDuration       prometheus.Histogram
	DatabaseConnections prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration is
// shared so workers and the HTTP server see the same collectors.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			RunsStarted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_runs_started_total",
					Help: "Total number of workflow runs started",
				},
				[]string{"graph_id"},
			),
			RunsCompleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_runs_completed_total",
					Help: "Total number of workflow runs finished, by outcome",
				},
				[]string{"graph_id", "status"},
			),
			RunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "factory_run_duration_seconds",
					Help:    "Workflow run duration in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to 68min
				},
				[]string{"graph_id"},
			),
			RunIterations: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "factory_run_iterations",
					Help:    "Quality-gate iterations consumed per run",
					Buckets: []float64{1, 2, 3, 4, 5},
				},
				[]string{"graph_id"},
			),
			GateOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_gate_outcomes_total",
					Help: "Quality gate evaluations, by outcome (pass, retry, exhausted)",
				},
				[]string{"graph_id", "outcome"},
			),
			ToolInvocations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_tool_invocations_total",
					Help: "Tool node invocations, by result",
				},
				[]string{"tool", "result"},
			),
			ToolDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "factory_tool_duration_seconds",
					Help:    "Tool invocation duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to 51s
				},
				[]string{"tool"},
			),
			ApprovalsRequested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_approvals_requested_total",
					Help: "Approval gates opened",
				},
				[]string{"gate_type"},
			),
			ApprovalsResolved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_approvals_resolved_total",
					Help: "Approval gates resolved, by final status",
				},
				[]string{"gate_type", "status"},
			),

			DealTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_deal_transitions_total",
					Help: "Deal stage transitions",
				},
				[]string{"from_state", "to_state"},
			),
			DiscountsApplied: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_discounts_applied_total",
					Help: "Discounts applied to negotiations",
				},
				[]string{"reason"},
			),
			DiscountsRejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_discounts_rejected_total",
					Help: "Discounts rejected by pricing guardrails, by rule",
				},
				[]string{"rule"},
			),
			TouchesRecorded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_touches_recorded_total",
					Help: "Outreach touches recorded, by sdr state entered",
				},
				[]string{"sdr_state", "channel"},
			),
			FollowUpsEnqueued: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "factory_follow_ups_enqueued_total",
					Help: "Leads enqueued for follow-up",
				},
			),
			FollowUpsDeduped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "factory_follow_ups_deduped_total",
					Help: "Follow-up enqueues skipped by the dedupe window",
				},
			),
			QuotesCalculated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_quotes_calculated_total",
					Help: "Pricing quotes calculated, by project type",
				},
				[]string{"project_type"},
			),

			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "factory_queue_depth",
					Help: "Current depth of each room queue",
				},
				[]string{"queue"},
			),
			SweepDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "factory_sweep_duration_seconds",
					Help:    "Follow-up sweep duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			DatabaseConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "factory_database_connections",
					Help: "Number of open database connections",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "factory_events_published_total",
					Help: "Messages published on the bus, by subject class",
				},
				[]string{"event_type"},
			),
		}
	})

	return sharedMetrics
}

// RecordRunCompleted records a finished run with its outcome and totals.
func (m *Metrics) RecordRunCompleted(graphID, status string, iterations int, durationSeconds float64) {
	m.RunsCompleted.WithLabelValues(graphID, status).Inc()
	m.RunIterations.WithLabelValues(graphID).Observe(float64(iterations))
	m.RunDuration.WithLabelValues(graphID).Observe(durationSeconds)
}

// RecordDealTransition records a deal stage change.
func (m *Metrics) RecordDealTransition(from, to string) {
	m.DealTransitions.WithLabelValues(from, to).Inc()
}

// RecordTouch records an outreach touch.
func (m *Metrics) RecordTouch(sdrState, channel string) {
	m.TouchesRecorded.WithLabelValues(sdrState, channel).Inc()
}
