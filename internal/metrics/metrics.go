// Package metrics holds the prometheus collectors of the matching engine
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clob"

// Metrics groups the engine collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	OrdersCreated     *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	OrdersCanceled    *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	MatchDuration     *prometheus.HistogramVec
	PriceLevels       *prometheus.GaugeVec
	OpenObligations   prometheus.Gauge
	PersistenceErrors prometheus.Counter
	PublishErrors     prometheus.Counter
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "orders_created_total",
				Help:      "Orders accepted by the engine",
			},
			[]string{"pair", "type"},
		),
		OrdersRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "orders_rejected_total",
				Help:      "Orders rejected before or during matching",
			},
			[]string{"reason"},
		),
		OrdersCanceled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "orders_canceled_total",
				Help:      "Orders canceled by their trader",
			},
			[]string{"pair"},
		),
		Settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "settlements_total",
				Help:      "Settlements handed to the vault by outcome",
			},
			[]string{"result"},
		),
		MatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "match_duration_seconds",
				Help:      "Time spent matching one order under the pair lock",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"pair"},
		),
		PriceLevels: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "book",
				Name:      "price_levels",
				Help:      "Non-empty price levels per side",
			},
			[]string{"pair", "side"},
		),
		OpenObligations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "open_obligations",
				Help:      "Settlements awaiting reconciliation",
			},
		),
		PersistenceErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "history",
				Name:      "write_errors_total",
				Help:      "Failed history writes",
			},
		),
		PublishErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "publish_errors_total",
				Help:      "Events that could not be published",
			},
		),
	}
}

// OrderCreated counts an accepted order
func (m *Metrics) OrderCreated(pair, orderType string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(pair, orderType).Inc()
}

// OrderRejected counts a rejection by reason
func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(reason).Inc()
}

// OrderCanceled counts a cancellation
func (m *Metrics) OrderCanceled(pair string) {
	if m == nil {
		return
	}
	m.OrdersCanceled.WithLabelValues(pair).Inc()
}

// SettlementsProcessed counts settlement outcomes
func (m *Metrics) SettlementsProcessed(ok, failed int) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues("processed").Add(float64(ok))
	m.Settlements.WithLabelValues("failed").Add(float64(failed))
}

// ObserveMatch records how long a match held the pair lock
func (m *Metrics) ObserveMatch(pair string, seconds float64) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(pair).Observe(seconds)
}

// SetBookLevels records the ladder sizes of a pair
func (m *Metrics) SetBookLevels(pair string, bids, asks int) {
	if m == nil {
		return
	}
	m.PriceLevels.WithLabelValues(pair, "bid").Set(float64(bids))
	m.PriceLevels.WithLabelValues(pair, "ask").Set(float64(asks))
}

// SetObligations records the reconciliation backlog
func (m *Metrics) SetObligations(n int) {
	if m == nil {
		return
	}
	m.OpenObligations.Set(float64(n))
}

// PersistenceFailed counts a failed history write
func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.PersistenceErrors.Inc()
}

// PublishFailed counts an event that was not delivered
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}
