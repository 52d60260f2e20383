// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// A nil *Registry is valid and records nothing.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// relay_upstream_attempts_total{provider_type,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_upstream_attempt_duration_seconds{provider_type,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_provider_errors_total{provider_type,error_type}
	providerErrors *prometheus.CounterVec

	// relay_circuit_breaker_state{tier,key}: 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// relay_circuit_breaker_transitions_total{tier,to_state}
	breakerTransitions *prometheus.CounterVec

	// relay_circuit_breaker_rejections_total{tier}
	breakerRejections *prometheus.CounterVec

	// relay_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// relay_failover_exhausted_total{route}
	failoverExhausted *prometheus.CounterVec

	// relay_rectifications_total{hit}
	rectifications *prometheus.CounterVec

	// relay_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// relay_billing_skipped_total{reason}
	billingSkipped *prometheus.CounterVec

	// relay_billed_cost_usd_total{provider_type}
	billedCost *prometheus.CounterVec

	// relay_price_resyncs_total{result}
	priceResyncs *prometheus.CounterVec

	// relay_tokens_total{provider_type,route,direction}
	tokensTotal *prometheus.CounterVec

	// relay_endpoint_health{endpoint,vendor_type}
	endpointHealth *prometheus.GaugeVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]int64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]int64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, until the response or stream completes",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Total upstream attempts, including retries and failovers",
			},
			[]string{"provider_type", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration until response headers, in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider_type", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_errors_total",
				Help: "Total failed upstream attempts by classification",
			},
			[]string{"provider_type", "error_type"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"tier", "key"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"tier", "to_state"},
		),

		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_circuit_breaker_rejections_total",
				Help: "Attempts skipped because a breaker was not eligible",
			},
			[]string{"tier"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_failover_events_total",
				Help: "Switches from one provider to another after a failed attempt",
			},
			[]string{"from", "to", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_failover_exhausted_total",
				Help: "Requests that exhausted their attempts without success",
			},
			[]string{"route"},
		),

		rectifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rectifications_total",
				Help: "Thinking signature rectifier runs by whether anything was stripped",
			},
			[]string{"hit"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Rate and cost limit decisions",
			},
			[]string{"result"},
		),

		billingSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_billing_skipped_total",
				Help: "Requests that were not billed",
			},
			[]string{"reason"},
		),

		billedCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_billed_cost_usd_total",
				Help: "Billed cost in USD",
			},
			[]string{"provider_type"},
		),

		priceResyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_price_resyncs_total",
				Help: "Price table synchronisations",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider_type", "route", "direction"},
		),

		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_endpoint_health",
				Help: "Last endpoint probe outcome (1=ok, 0=failed)",
			},
			[]string{"endpoint", "vendor_type"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.breakerState,
		r.breakerTransitions,
		r.breakerRejections,
		r.failoverEvents,
		r.failoverExhausted,
		r.rectifications,
		r.rateLimitTotal,
		r.billingSkipped,
		r.billedCost,
		r.priceResyncs,
		r.tokensTotal,
		r.endpointHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(providerType, route, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(providerType, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(providerType, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(providerType, errType string) {
	if r != nil {
		r.providerErrors.WithLabelValues(providerType, errType).Inc()
	}
}

// SetBreakerState sets the breaker state gauge and increments a transition
// counter when the state changes.
func (r *Registry) SetBreakerState(tier, key string, state int64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(tier, key).Set(float64(state))

	id := tier + "/" + key
	r.cbMu.Lock()
	prev, ok := r.lastCBState[id]
	if !ok || prev != state {
		r.lastCBState[id] = state
		r.breakerTransitions.WithLabelValues(tier, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordBreakerRejection(tier string) {
	if r != nil {
		r.breakerRejections.WithLabelValues(tier).Inc()
	}
}

func (r *Registry) RecordFailover(from, to, reason string) {
	if r != nil {
		r.failoverEvents.WithLabelValues(from, to, reason).Inc()
	}
}

func (r *Registry) RecordFailoverExhausted(route string) {
	if r != nil {
		r.failoverExhausted.WithLabelValues(route).Inc()
	}
}

func (r *Registry) RecordRectification(hit bool) {
	if r != nil {
		r.rectifications.WithLabelValues(strconv.FormatBool(hit)).Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) RecordBillingSkipped(reason string) {
	if r != nil {
		r.billingSkipped.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) AddCost(providerType string, usd float64) {
	if r != nil && usd > 0 {
		r.billedCost.WithLabelValues(providerType).Add(usd)
	}
}

func (r *Registry) RecordPriceResync(result string) {
	if r != nil {
		r.priceResyncs.WithLabelValues(result).Inc()
	}
}

func (r *Registry) AddTokens(providerType, route string, inputTokens, outputTokens int64) {
	if r == nil {
		return
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(providerType, route, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(providerType, route, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetEndpointHealth(endpoint, vendorType string, ok bool) {
	if r == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	r.endpointHealth.WithLabelValues(endpoint, vendorType).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	if r != nil {
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
