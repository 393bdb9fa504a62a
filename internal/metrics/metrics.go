package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes recorded by the job store
const (
	OutcomeEnqueued     = "enqueued"
	OutcomeRejected     = "rejected"
	OutcomeLeased       = "leased"
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeferred     = "deferred"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeReplayed     = "replayed"
	OutcomeLeaseLost    = "lease_lost"
)

// Metrics holds all Prometheus collectors of the pipeline
type Metrics struct {
	// Counters
	JobsTotal         *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	ModelInvocations  *prometheus.CounterVec
	ModelTokens       *prometheus.CounterVec
	ModelCostCents    *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ProgressDropped   prometheus.Counter
	DuplicateEvents   prometheus.Counter
	DuplicateDelivery prometheus.Counter
	BudgetRejections  prometheus.Counter
	EngineTruncations prometheus.Counter

	// Gauges
	SlotsBusy *prometheus.GaugeVec

	// Histograms
	JobDuration   *prometheus.HistogramVec
	ModelDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_jobs_total",
				Help: "Job store operations by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		RateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_rate_limit_denials_total",
				Help: "Admissions denied by the sliding-window limiter",
			},
			[]string{"class"},
		),
		ModelInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_model_invocations_total",
				Help: "Language model invocations by model and status",
			},
			[]string{"model", "status"},
		),
		ModelTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_model_tokens_total",
				Help: "Tokens consumed by model and direction",
			},
			[]string{"model", "direction"},
		),
		ModelCostCents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_model_cost_cents_total",
				Help: "Computed model cost in cents",
			},
			[]string{"model"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_tool_calls_total",
				Help: "Tool calls by namespace and status",
			},
			[]string{"namespace", "status"},
		),
		ProgressDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentflow_progress_dropped_total",
				Help: "Progress events dropped on backpressure",
			},
		),
		DuplicateEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentflow_duplicate_events_total",
				Help: "Inbound events skipped by idempotency key",
			},
		),
		DuplicateDelivery: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentflow_duplicate_deliveries_total",
				Help: "Notifications skipped because they were already delivered",
			},
		),
		BudgetRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentflow_budget_rejections_total",
				Help: "Model invocations blocked by the budget guard",
			},
		),
		EngineTruncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentflow_engine_truncations_total",
				Help: "Tool loops stopped at the round ceiling",
			},
		),
		SlotsBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentflow_worker_slots_busy",
				Help: "Worker slots currently processing a job",
			},
			[]string{"queue"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_job_duration_seconds",
				Help:    "Job processing duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"queue"},
		),
		ModelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_model_duration_seconds",
				Help:    "Model invocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsTotal,
			m.RateLimitDenials,
			m.ModelInvocations,
			m.ModelTokens,
			m.ModelCostCents,
			m.ToolCalls,
			m.ProgressDropped,
			m.DuplicateEvents,
			m.DuplicateDelivery,
			m.BudgetRejections,
			m.EngineTruncations,
			m.SlotsBusy,
			m.JobDuration,
			m.ModelDuration,
		)
	}

	return m
}

// NewNop returns unregistered collectors, handy where metrics are optional
func NewNop() *Metrics {
	return New(nil)
}

// JobOutcome increments the job counter for queue and outcome
func (m *Metrics) JobOutcome(queue, outcome string) {
	m.JobsTotal.WithLabelValues(queue, outcome).Inc()
}
