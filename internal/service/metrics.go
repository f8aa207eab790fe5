package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	initiations       *prometheus.CounterVec
	callbacks         *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	settledSats       *prometheus.CounterVec
	duplicates        *prometheus.CounterVec
	sideEffectErrors  *prometheus.CounterVec
	ledgerRetries     prometheus.Counter
	gatewayLatency    *prometheus.HistogramVec
	inflightSideTasks prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		initiations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_deposit_initiations_total",
			Help: "Deposit initiations by rail and result",
		}, []string{"rail", "result"}),
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_mpesa_callbacks_total",
			Help: "M-Pesa result notifications by outcome",
		}, []string{"outcome"}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_settlements_total",
			Help: "Ledger settlements by source and result",
		}, []string{"source", "result"}),
		settledSats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_settled_sats_total",
			Help: "Satoshis credited by source",
		}, []string{"source"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_duplicate_deliveries_total",
			Help: "Result deliveries that lost the terminal gate",
		}, []string{"source"}),
		sideEffectErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_side_effect_failures_total",
			Help: "Failed post-settlement side effects",
		}, []string{"kind"}),
		ledgerRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "satsettle_ledger_retries_total",
			Help: "Settlement attempts retried after a write conflict",
		}),
		gatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "satsettle_gateway_request_duration_seconds",
			Help:    "Latency of outbound payment gateway calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"rail", "op"}),
		inflightSideTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "satsettle_side_effects_inflight",
			Help: "Post-settlement side effects currently running",
		}),
	}
}

func (m *Metrics) Initiation(rail, result string) {
	if m == nil {
		return
	}
	m.initiations.WithLabelValues(rail, result).Inc()
}

func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Settlement(source, result string, sats int64) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(source, result).Inc()
	if result == "ok" {
		m.settledSats.WithLabelValues(source).Add(float64(sats))
	}
}

func (m *Metrics) Duplicate(source string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(source).Inc()
}

func (m *Metrics) SideEffectFailed(kind string) {
	if m == nil {
		return
	}
	m.sideEffectErrors.WithLabelValues(kind).Inc()
}

// LedgerRetry matches the ledger retry hook signature.
func (m *Metrics) LedgerRetry() {
	if m == nil {
		return
	}
	m.ledgerRetries.Inc()
}

func (m *Metrics) gatewayTimer(rail, op string) *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.gatewayLatency.WithLabelValues(rail, op))
}

func (m *Metrics) sideEffectStarted() {
	if m != nil {
		m.inflightSideTasks.Inc()
	}
}

func (m *Metrics) sideEffectDone() {
	if m != nil {
		m.inflightSideTasks.Dec()
	}
}
