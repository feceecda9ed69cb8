// Package metrics provides Prometheus metrics collection for RunMeter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/runmeter/ports"
)

// Collector holds all Prometheus metrics for RunMeter.
type Collector struct {
	// Ledger metrics
	RunsRegistered     prometheus.Counter
	UsageRecorded      *prometheus.CounterVec
	Finalizations      *prometheus.CounterVec
	FinalizeDuration   prometheus.Histogram
	CreditsFinalized   prometheus.Counter
	UnmappedComponents prometheus.Counter

	// Guard metrics
	GuardDenials   *prometheus.CounterVec
	OverageCredits prometheus.Counter

	// Lifecycle metrics
	PeriodRenewals  *prometheus.CounterVec
	InvoiceAttempts *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	SweepDuePeriods prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// Ledger metrics
		RunsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "runs_registered_total",
				Help:      "Total number of runs registered in the ledger",
			},
		),
		UsageRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "usage_recorded_total",
				Help:      "Total usage record calls by kind",
			},
			[]string{"kind"},
		),
		Finalizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "finalizations_total",
				Help:      "Total run finalizations by outcome",
			},
			[]string{"outcome"},
		),
		FinalizeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "runmeter",
				Name:      "finalize_duration_seconds",
				Help:      "Run finalization duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		CreditsFinalized: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "credits_finalized_total",
				Help:      "Total credits charged through finalization",
			},
		),
		UnmappedComponents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "unmapped_components_total",
				Help:      "Usage reports for component identifiers with no registered run",
			},
		),

		// Guard metrics
		GuardDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "guard_denials_total",
				Help:      "Total quota guard denials by reason",
			},
			[]string{"reason"},
		),
		OverageCredits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "overage_credits_total",
				Help:      "Total credits charged beyond the granted quota",
			},
		),

		// Lifecycle metrics
		PeriodRenewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "period_renewals_total",
				Help:      "Total billing period renewals by outcome",
			},
			[]string{"outcome"},
		),
		InvoiceAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "invoice_attempts_total",
				Help:      "Total overage invoice attempts by outcome",
			},
			[]string{"outcome"},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "runmeter",
				Name:      "sweep_duration_seconds",
				Help:      "Renewal sweep duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		SweepDuePeriods: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "runmeter",
				Name:      "sweep_due_periods",
				Help:      "Number of expired periods found by the last sweep",
			},
		),

		// Config metrics
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "runmeter",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "runmeter",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// RenewalCompleted records one billing period renewal by outcome.
func (c *Collector) RenewalCompleted(outcome string) {
	c.PeriodRenewals.WithLabelValues(outcome).Inc()
}

// InvoiceAttempted records one payment-platform invoice attempt by outcome.
func (c *Collector) InvoiceAttempted(outcome string) {
	c.InvoiceAttempts.WithLabelValues(outcome).Inc()
}

// SweepCompleted records one renewal sweep pass.
func (c *Collector) SweepCompleted(d time.Duration, due int) {
	c.SweepDuration.Observe(d.Seconds())
	c.SweepDuePeriods.Set(float64(due))
}

// UnmappedIdentifier records a usage report for an unregistered run.
func (c *Collector) UnmappedIdentifier() {
	c.UnmappedComponents.Inc()
}

// OverageCharged records credits consumed beyond the granted quota.
func (c *Collector) OverageCharged(credits float64) {
	c.OverageCredits.Add(credits)
}

// Ensure interface compliance.
var _ ports.MeterMetrics = (*Collector)(nil)
