// Package metrics provides the Prometheus registry for the proxy.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when the proxy is embedded. The
// /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Cache disposition labels.
const (
	CacheHit       = "hit"
	CacheSemantic  = "semantic_hit"
	CacheMiss      = "miss"
	CacheCoalesced = "coalesced"
	CacheBypass    = "bypass"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_requests_total{provider,endpoint,cache}
	requestsTotal *prometheus.CounterVec

	// proxy_request_duration_seconds{provider,endpoint,cache}
	requestDuration *prometheus.HistogramVec

	// proxy_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// proxy_coalesce_total{role} — leader | follower
	coalesceTotal *prometheus.CounterVec

	// proxy_stream_replay_total / proxy_stream_recorded_total
	streamReplays  prometheus.Counter
	streamRecorded prometheus.Counter

	// proxy_ratelimit_total{dimension,result}
	rateLimitTotal *prometheus.CounterVec

	// proxy_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// proxy_cost_usd_total{provider,kind} — kind: actual | potential
	costTotal *prometheus.CounterVec

	// proxy_embedding_degraded_total
	embeddingDegraded prometheus.Counter

	// proxy_telemetry_dropped_total
	telemetryDropped prometheus.Counter

	// proxy_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all metric families registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durationBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total proxied requests by cache disposition",
			},
			[]string{"provider", "endpoint", "cache"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Proxied request duration by cache disposition in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "endpoint", "cache"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_cache_operations_total",
				Help: "Cache store operations by result",
			},
			[]string{"op", "result"},
		),

		coalesceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_coalesce_total",
				Help: "Requests entering the coalescer by role",
			},
			[]string{"role"},
		),

		streamReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_stream_replay_total",
			Help: "Streaming responses served from cached transcripts",
		}),

		streamRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_stream_recorded_total",
			Help: "Streaming transcripts recorded into the cache",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_ratelimit_total",
				Help: "Admission decisions by dimension",
			},
			[]string{"dimension", "result"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Upstream provider attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Tokens processed by direction and cache disposition",
			},
			[]string{"provider", "direction", "cache"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_cost_usd_total",
				Help: "Accumulated USD cost, actual and as-if-uncached",
			},
			[]string{"provider", "kind"},
		),

		embeddingDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_embedding_degraded_total",
			Help: "Requests downgraded to exact-match-only caching",
		}),

		telemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_telemetry_dropped_total",
			Help: "Usage events dropped by the telemetry sink",
		}),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_provider_health",
				Help: "Provider health from background probes (1 = healthy)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.cacheOps,
		r.coalesceTotal,
		r.streamReplays,
		r.streamRecorded,
		r.rateLimitTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.tokensTotal,
		r.costTotal,
		r.embeddingDegraded,
		r.telemetryDropped,
		r.providerHealth,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// SetBuildInfo records the build version gauge.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight track the in-flight gauge.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one handled HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records one proxied request with its cache disposition.
func (r *Registry) ObserveRequest(provider, endpoint, cache string, dur time.Duration) {
	r.requestsTotal.WithLabelValues(provider, endpoint, cache).Inc()
	r.requestDuration.WithLabelValues(provider, endpoint, cache).Observe(dur.Seconds())
}

// RecordCacheOp records a cache store operation outcome.
func (r *Registry) RecordCacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

// RecordCoalesce records a coalescer role assignment.
func (r *Registry) RecordCoalesce(role string) {
	r.coalesceTotal.WithLabelValues(role).Inc()
}

// RecordStreamReplay / RecordStreamRecorded track the streaming cache.
func (r *Registry) RecordStreamReplay()   { r.streamReplays.Inc() }
func (r *Registry) RecordStreamRecorded() { r.streamRecorded.Inc() }

// RecordRateLimit records an admission decision.
func (r *Registry) RecordRateLimit(dimension, result string) {
	r.rateLimitTotal.WithLabelValues(dimension, result).Inc()
}

// ObserveUpstream records one provider attempt.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// AddTokens accumulates token counters.
func (r *Registry) AddTokens(provider, cache string, in, out int) {
	if in > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cache).Add(float64(in))
	}
	if out > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cache).Add(float64(out))
	}
}

// AddCost accumulates actual and potential spend.
func (r *Registry) AddCost(provider string, actual, potential float64) {
	if actual > 0 {
		r.costTotal.WithLabelValues(provider, "actual").Add(actual)
	}
	if potential > 0 {
		r.costTotal.WithLabelValues(provider, "potential").Add(potential)
	}
}

// RecordEmbeddingDegraded counts an exact-match-only downgrade.
func (r *Registry) RecordEmbeddingDegraded() { r.embeddingDegraded.Inc() }

// AddTelemetryDropped accumulates sink drops.
func (r *Registry) AddTelemetryDropped(n int64) {
	if n > 0 {
		r.telemetryDropped.Add(float64(n))
	}
}

// SetProviderHealth publishes a probe result.
func (r *Registry) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}
