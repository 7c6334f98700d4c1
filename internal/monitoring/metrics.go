// Package monitoring holds the Prometheus instrumentation for the Brain.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics registers and owns every Prometheus series the service exports.
type Metrics struct {
	IntentsParsed  *prometheus.CounterVec
	Clarifications prometheus.Counter

	PlansCreated  prometheus.Counter
	PlanOutcomes  *prometheus.CounterVec
	StepRetries   prometheus.Counter
	StepRollbacks prometheus.Counter

	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	ToolInFlight     prometheus.Gauge

	AttestationChecks *prometheus.CounterVec
}

// NewMetrics creates and registers all series on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		IntentsParsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_intents_parsed_total",
				Help: "Intents parsed, labelled by resolved action",
			},
			[]string{"action"},
		),
		Clarifications: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brain_clarifications_total",
				Help: "Clarification questions emitted",
			},
		),
		PlansCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brain_plans_created_total",
				Help: "Execution plans instantiated from intents",
			},
		),
		PlanOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_plan_outcomes_total",
				Help: "Plans reaching a terminal status",
			},
			[]string{"status"}, // completed, failed, cancelled
		),
		StepRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brain_step_retries_total",
				Help: "Step retry attempts after recoverable failures",
			},
		),
		StepRollbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brain_step_rollbacks_total",
				Help: "Steps rolled back after plan failure or cancellation",
			},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_tool_calls_total",
				Help: "Tool dispatches by tool name and outcome",
			},
			[]string{"tool", "outcome"}, // outcome: ok, error
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brain_tool_call_duration_seconds",
				Help:    "Tool call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		ToolInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "brain_tool_calls_in_flight",
				Help: "Tool calls currently holding a concurrency permit",
			},
		),
		AttestationChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_attestation_checks_total",
				Help: "Attestation verifications by result",
			},
			[]string{"result"}, // verified, rejected, unreachable
		),
	}
}

// ObserveToolCall records one dispatch outcome and its latency.
func (m *Metrics) ObserveToolCall(tool string, success bool, d time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveIntent records a parsed intent.
func (m *Metrics) ObserveIntent(action string) {
	m.IntentsParsed.WithLabelValues(action).Inc()
}

// ObservePlanOutcome records a plan reaching a terminal status.
func (m *Metrics) ObservePlanOutcome(status string) {
	m.PlanOutcomes.WithLabelValues(status).Inc()
}

// ObserveAttestation records a verification result.
func (m *Metrics) ObserveAttestation(result string) {
	m.AttestationChecks.WithLabelValues(result).Inc()
}
