/*
Package observability exposes Prometheus metrics for the server.

METRICS:
  coldstore_http_requests_total{route,code}        per chi route pattern
  coldstore_http_request_duration_seconds{route}
  coldstore_sales_settled_total{kind}
  coldstore_sales_reversed_total
  coldstore_sales_rejected_total{reason}
  coldstore_lot_edits_total{op}                    create, edit, revert
  coldstore_charges_billed_total                   sum of settled sale totals

Metrics live in a private registry so that tests can build as many as they
like without colliding on the global one.
*/
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/coldstore/settlement"
)

type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	salesSettled  *prometheus.CounterVec
	salesReversed prometheus.Counter
	salesRejected *prometheus.CounterVec
	lotEdits      *prometheus.CounterVec
	chargesBilled prometheus.Counter
}

var _ settlement.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldstore_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		salesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_sales_settled_total",
			Help: "Committed sales by kind (partial or final).",
		}, []string{"kind"}),
		salesReversed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_sales_reversed_total",
			Help: "Committed sale reversals.",
		}),
		salesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_sales_rejected_total",
			Help: "Sales rejected before commit, by reason.",
		}, []string{"reason"}),
		lotEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_lot_edits_total",
			Help: "Lot mutations outside of sales, by operation.",
		}, []string{"op"}),
		chargesBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_charges_billed_total",
			Help: "Sum of charge totals of settled sales.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.salesSettled, m.salesReversed, m.salesRejected, m.lotEdits, m.chargesBilled,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// SETTLEMENT OBSERVER
// =============================================================================

func (m *Metrics) SaleSettled(s settlement.Sale) {
	m.salesSettled.WithLabelValues(string(s.Kind)).Inc()
	m.chargesBilled.Add(s.Charge.Total.InexactFloat64())
}

func (m *Metrics) SaleRejected(reason string) {
	m.salesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SaleReversed(settlement.Sale) {
	m.salesReversed.Inc()
}

func (m *Metrics) LotMutated(op string) {
	m.lotEdits.WithLabelValues(op).Inc()
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware records a request count and duration per route pattern. The
// pattern is read after the handler runs, once chi has resolved it.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}
