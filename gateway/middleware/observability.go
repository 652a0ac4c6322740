package middleware

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Observability owns the gateway's metrics registry and traces every
// request through the pipeline.
type Observability struct {
	tracer    trace.Tracer
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	denials   *prometheus.CounterVec
	revenue   prometheus.Counter
}

// NewObservability builds the metric set on a private registry so the
// process default registry stays untouched.
func NewObservability(serviceName string) *Observability {
	if serviceName == "" {
		serviceName = "tollgate"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "requests_total",
		Help:      "Requests processed, by tool, method and status.",
	}, []string{"tool", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tollgate",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool", "method"})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "denials_total",
		Help:      "Denied requests by reason code.",
	}, []string{"reason"})
	revenue := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "revenue_usdc_total",
		Help:      "USDC captured across successful paid requests.",
	})
	registry.MustRegister(requests, durations, denials, revenue)
	return &Observability{
		tracer:    otel.Tracer(serviceName),
		registry:  registry,
		requests:  requests,
		durations: durations,
		denials:   denials,
		revenue:   revenue,
	}
}

// RecordRequest counts one finished request.
func (o *Observability) RecordRequest(tool, method string, status int, latency time.Duration) {
	o.requests.WithLabelValues(tool, method, http.StatusText(status)).Inc()
	o.durations.WithLabelValues(tool, method).Observe(latency.Seconds())
}

// RecordDenial counts a denial by reason code.
func (o *Observability) RecordDenial(reason string) {
	o.denials.WithLabelValues(reason).Inc()
}

// RecordRevenue adds captured USDC to the revenue counter.
func (o *Observability) RecordRevenue(amount decimal.Decimal) {
	if f, _ := amount.Float64(); f > 0 {
		o.revenue.Add(f)
	}
}

// StartSpan opens a pipeline span for one request.
func (o *Observability) StartSpan(r *http.Request, tool string) (*http.Request, trace.Span) {
	ctx, span := o.tracer.Start(r.Context(), "gateway.request", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("gateway.tool", tool),
	))
	return r.WithContext(ctx), span
}

// MetricsHandler serves the registry in Prometheus exposition format.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}
