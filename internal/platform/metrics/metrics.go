package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/genfity/fulfillment/internal/services"
)

const defaultNamespace = "fulfillment"

// Registry owns the fulfillment collectors on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	activations     *prometheus.CounterVec
	sweepExpired    prometheus.Counter
	sweepFailures   prometheus.Counter
	sweepDuration   prometheus.Histogram
	webhookEvents   *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector under namespace.
func New(namespace string) *Registry {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Fulfillment events handed to the publisher, by type and result",
		}, []string{"type", "result"}),
		activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "jobs_total",
			Help:      "Subscription activation jobs by outcome",
		}, []string{"outcome"}),
		sweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "expired_total",
			Help:      "Transactions expired by the payment sweeper",
		}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "row_failures_total",
			Help:      "Rows the payment sweeper failed to expire",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of payment sweeps",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Payment provider webhook deliveries by provider and result",
		}, []string{"provider", "result"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "verifications_total",
			Help:      "Service token verifications by kind and result",
		}, []string{"kind", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WrapPublisher counts every event passed to next.
func (r *Registry) WrapPublisher(next services.FulfillmentEventPublisher) services.FulfillmentEventPublisher {
	return services.FulfillmentEventPublisherFunc(func(ctx context.Context, event services.FulfillmentEvent) error {
		if next == nil {
			r.eventsPublished.WithLabelValues(event.Type, "dropped").Inc()
			return nil
		}
		err := next.PublishFulfillmentEvent(ctx, event)
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.eventsPublished.WithLabelValues(event.Type, result).Inc()
		return err
	})
}

// ObserveActivation records one activation job outcome.
func (r *Registry) ObserveActivation(outcome string) {
	r.activations.WithLabelValues(outcome).Inc()
}

// ObserveSweep records one sweep run.
func (r *Registry) ObserveSweep(result services.SweepResult, elapsed time.Duration) {
	r.sweepExpired.Add(float64(result.Expired))
	r.sweepFailures.Add(float64(len(result.Failures)))
	r.sweepDuration.Observe(elapsed.Seconds())
}

// ObserveWebhook records one provider webhook delivery.
func (r *Registry) ObserveWebhook(provider, result string) {
	r.webhookEvents.WithLabelValues(provider, result).Inc()
}

// ObserveVerification records one service token verification.
func (r *Registry) ObserveVerification(kind, result string) {
	r.verifications.WithLabelValues(kind, result).Inc()
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(started).Seconds())
	})
}
