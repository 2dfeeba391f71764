// Package metrics holds the Prometheus collectors for payment settlement,
// purchase lifecycle and the HTTP surface.
package metrics

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PurchasesInitiated  prometheus.Counter
	PurchaseTransitions *prometheus.CounterVec
	VerifyResults       *prometheus.CounterVec
	RelayResults        *prometheus.CounterVec
	RelayDuration       prometheus.Histogram
	Registrations       *prometheus.CounterVec
	ReconcileActions    *prometheus.CounterVec
	RelayerBalance      prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PurchasesInitiated: factory.NewCounter(prometheus.CounterOpts{
			Name: "clawd_purchases_initiated_total",
			Help: "Total number of purchases created",
		}),
		PurchaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawd_purchase_transitions_total",
			Help: "Purchase status transitions by source and target status",
		}, []string{"from", "to"}),
		VerifyResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawd_transfer_verifications_total",
			Help: "Settled-reference verifications by result",
		}, []string{"result"}),
		RelayResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawd_relay_attempts_total",
			Help: "Relayed authorization attempts by terminal status",
		}, []string{"status", "replayed"}),
		RelayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clawd_relay_duration_seconds",
			Help:    "Time from relay start to terminal status",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawd_registrations_total",
			Help: "Registrar calls after settlement by outcome",
		}, []string{"outcome"}),
		ReconcileActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawd_reconcile_actions_total",
			Help: "Actions taken by the reconciliation sweep",
		}, []string{"action"}),
		RelayerBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clawd_relayer_balance_wei",
			Help: "Last observed native balance of the relayer account",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawd_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawd_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncrementPurchasesInitiated() {
	if m == nil {
		return
	}
	m.PurchasesInitiated.Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.PurchaseTransitions.WithLabelValues(from, to).Inc()
}

// ObserveVerify records a verification as verified, rejected or unknown.
func (m *Metrics) ObserveVerify(result string) {
	if m == nil {
		return
	}
	m.VerifyResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRelay(status string, replayed bool, took time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if replayed {
		label = "true"
	}
	m.RelayResults.WithLabelValues(status, label).Inc()
	if !replayed {
		m.RelayDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveRegistration(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconcile(action string) {
	if m == nil {
		return
	}
	m.ReconcileActions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveReconcileN(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconcileActions.WithLabelValues(action).Add(float64(n))
}

// SetRelayerBalance records the relayer balance. Precision loss above 2^53 wei
// is acceptable for a gauge.
func (m *Metrics) SetRelayerBalance(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	f, _ := new(big.Float).SetInt(wei).Float64()
	m.RelayerBalance.Set(f)
}

func (m *Metrics) ObserveHTTP(method, route, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
