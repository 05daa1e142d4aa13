package funding

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records transaction processor outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	Deposits        *prometheus.CounterVec
	Withdrawals     *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	Reconciliations *prometheus.CounterVec
	Unresolved      prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Deposits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_deposits_total",
				Help: "Deposits processed by outcome.",
			},
			[]string{"currency", "outcome"},
		),
		Withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_withdrawals_total",
				Help: "Withdrawals processed by outcome.",
			},
			[]string{"currency", "outcome"},
		),
		GatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_settlement_transfer_duration_seconds",
				Help:    "Settlement gateway transfer duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		Reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_reconciled_withdrawals_total",
				Help: "Withdrawals examined by reconciliation by resolution.",
			},
			[]string{"resolution"},
		),
		Unresolved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "custody_unresolved_withdrawals",
				Help: "Withdrawals left unresolved after the last reconciliation run.",
			},
		),
	}

	registry.MustRegister(m.Deposits, m.Withdrawals, m.GatewayLatency, m.Reconciliations, m.Unresolved)
	return m
}

func (m *Metrics) deposit(currency, outcome string) {
	if m == nil {
		return
	}
	m.Deposits.WithLabelValues(currency, outcome).Inc()
}

func (m *Metrics) withdrawal(currency, outcome string) {
	if m == nil {
		return
	}
	m.Withdrawals.WithLabelValues(currency, outcome).Inc()
}

func (m *Metrics) transfer(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.GatewayLatency.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) reconciled(report Report) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues("settled").Add(float64(report.Settled))
	m.Reconciliations.WithLabelValues("released").Add(float64(report.Released))
	m.Unresolved.Set(float64(report.Unresolved))
}
