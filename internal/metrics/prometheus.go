// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// routegate_inflight_requests
	inFlight prometheus.Gauge

	// routegate_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// routegate_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// routegate_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// routegate_requests_total{provider,format,status}
	requestsTotal *prometheus.CounterVec

	// routegate_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// routegate_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// routegate_fallbacks_total{from,to,reason}
	fallbacks *prometheus.CounterVec

	// routegate_walk_exhausted_total{model}
	exhausted *prometheus.CounterVec

	// routegate_policy_denials_total{phase}
	policyDenials *prometheus.CounterVec

	// routegate_combo_attempts_total{combo,model,outcome}
	comboAttempts *prometheus.CounterVec

	// routegate_circuit_breaker_state{key}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// routegate_circuit_breaker_transitions_total{key,from,to}
	cbTransitions *prometheus.CounterVec

	// routegate_client_ratelimit_total{result}
	clientRateLimit *prometheus.CounterVec

	// routegate_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// routegate_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// routegate_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// routegate_translations_total{source,target,status}
	translations *prometheus.CounterVec

	// routegate_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// routegate_telemetry_dropped_total
	telemetryDropped prometheus.CounterFunc

	// routegate_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routegate_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes every upstream attempt)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routegate_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_requests_total",
				Help: "Routed requests by serving provider, client format and status",
			},
			[]string{"provider", "format", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_upstream_attempts_total",
				Help: "Upstream attempts by outcome (success, retryable, terminal)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routegate_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "outcome"},
		),

		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_fallbacks_total",
				Help: "Moves from one candidate target to the next",
			},
			[]string{"from", "to", "reason"},
		),

		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_walk_exhausted_total",
				Help: "Requests whose candidate walk ended without success",
			},
			[]string{"model"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_policy_denials_total",
				Help: "Candidates denied by the policy engine, by phase",
			},
			[]string{"phase"},
		),

		comboAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_combo_attempts_total",
				Help: "Attempts made on behalf of a combo, by member model",
			},
			[]string{"combo", "model", "outcome"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routegate_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"key"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"key", "from", "to"},
		),

		clientRateLimit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_client_ratelimit_total",
				Help: "Client RPM limiter decisions",
			},
			[]string{"result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_cache_operations_total",
				Help: "Response cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_tokens_total",
				Help: "Token usage reported by upstreams",
			},
			[]string{"provider", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_cost_usd_total",
				Help: "Estimated spend in USD from the pricing table",
			},
			[]string{"provider"},
		),

		translations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routegate_translations_total",
				Help: "Format translations by source, target and status",
			},
			[]string{"source", "target", "status"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routegate_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routegate_build_info",
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
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.fallbacks,
		r.exhausted,
		r.policyDenials,
		r.comboAttempts,
		r.circuitBreakerState,
		r.cbTransitions,
		r.clientRateLimit,
		r.cacheOps,
		r.tokensTotal,
		r.costTotal,
		r.translations,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

func (r *Registry) RecordRequest(provider, format string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, format, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(from, to, reason string) {
	r.fallbacks.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordExhausted(model string) {
	r.exhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordPolicyDenial(phase string) {
	r.policyDenials.WithLabelValues(phase).Inc()
}

func (r *Registry) RecordComboAttempt(combo, model string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	r.comboAttempts.WithLabelValues(combo, model, outcome).Inc()
}

// SetCircuitBreaker records a breaker transition. States use the
// 0=closed, 1=open, 2=half-open encoding.
func (r *Registry) SetCircuitBreaker(key string, from, to int, fromName, toName string) {
	r.circuitBreakerState.WithLabelValues(key).Set(float64(to))
	if from != to {
		r.cbTransitions.WithLabelValues(key, fromName, toName).Inc()
	}
}

func (r *Registry) RecordClientRateLimit(result string) {
	r.clientRateLimit.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) AddUsage(provider string, inputTokens, outputTokens int, costUSD float64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		r.costTotal.WithLabelValues(provider).Add(costUSD)
	}
}

func (r *Registry) RecordTranslation(source, target, status string) {
	r.translations.WithLabelValues(source, target, status).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

// WatchTelemetryDrops exports fn (typically Logger.DroppedLogs) as a counter.
func (r *Registry) WatchTelemetryDrops(fn func() int64) {
	r.telemetryDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "routegate_telemetry_dropped_total",
		Help: "Telemetry events dropped because the buffer was full",
	}, func() float64 { return float64(fn()) })
	r.reg.MustRegister(r.telemetryDropped)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
