package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/bloodbank-engine/engine"
)

// Metrics holds the server's prometheus collectors on a private registry,
// so tests can build as many servers as they like.
type Metrics struct {
	registry *prometheus.Registry

	intake    *prometheus.CounterVec
	issued    *prometheus.CounterVec
	plans     *prometheus.CounterVec
	shortfall prometheus.Counter
	stock     *prometheus.GaugeVec
	lowStock  prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bloodbank",
			Name:      "intake_units_total",
			Help:      "Donation units taken in, by blood type.",
		}, []string{"blood_type"}),
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bloodbank",
			Name:      "issued_units_total",
			Help:      "Units issued, by mode.",
		}, []string{"mode"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bloodbank",
			Name:      "plans_total",
			Help:      "Routine plans computed, by outcome.",
		}, []string{"outcome"}),
		shortfall: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bloodbank",
			Name:      "plan_shortfall_units_total",
			Help:      "Units requested but not coverable at plan time.",
		}),
		stock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bloodbank",
			Name:      "available_units",
			Help:      "Available units, by blood type.",
		}, []string{"blood_type"}),
		lowStock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bloodbank",
			Name:      "low_stock_types",
			Help:      "Blood types at or below the low-stock threshold.",
		}),
	}
	m.registry.MustRegister(m.intake, m.issued, m.plans, m.shortfall, m.stock, m.lowStock)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeIntake(bt string) {
	m.intake.WithLabelValues(bt).Inc()
}

func (m *Metrics) observeIssued(mode engine.Mode, n int) {
	if n > 0 {
		m.issued.WithLabelValues(string(mode)).Add(float64(n))
	}
}

func (m *Metrics) observePlan(p engine.Plan) {
	m.plans.WithLabelValues(string(p.Outcome())).Inc()
	if p.Shortfall > 0 {
		m.shortfall.Add(float64(p.Shortfall))
	}
}

// setStock replaces the stock gauges and returns the number of types at or
// below threshold.
func (m *Metrics) setStock(levels []engine.StockLevel, threshold int) int {
	low := 0
	for _, l := range levels {
		m.stock.WithLabelValues(l.BloodType.String()).Set(float64(l.Available))
		if l.Available <= threshold {
			low++
		}
	}
	m.lowStock.Set(float64(low))
	return low
}
