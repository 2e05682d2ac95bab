// Package proxy is the OpenAI-compatible edge of the caching proxy.
//
// Each request walks a fixed state machine: admitted (per-minute bucket) →
// normalized (canonical form + fingerprint) → served from cache, attached to
// an in-flight leader, or forwarded upstream as a new leader — then accounted
// and emitted as a telemetry event. Streaming responses are recorded while
// being forwarded and replayed from cache with preserved pacing.
//
// Design constraints:
//   - The hot path never blocks on telemetry or hit-count bookkeeping.
//   - Cache, limiter, embedder, and metrics are optional and nil-safe; a
//     degraded dependency downgrades behavior, never fails the request.
//   - All upstream I/O uses context.Context; an upstream call shared by
//     several waiters survives any single client's disconnect.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/watchllm/proxy/internal/cache"
	"github.com/watchllm/proxy/internal/coalesce"
	"github.com/watchllm/proxy/internal/embedding"
	"github.com/watchllm/proxy/internal/metrics"
	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/pricing"
	"github.com/watchllm/proxy/internal/providers"
	"github.com/watchllm/proxy/internal/ratelimit"
	"github.com/watchllm/proxy/internal/registry"
	"github.com/watchllm/proxy/internal/telemetry"
)

// Cache disposition header values.
const (
	headerCache      = "X-WatchLLM-Cache"
	headerSimilarity = "X-WatchLLM-Similarity"
	headerLatency    = "X-WatchLLM-Latency-Ms"
	headerCost       = "X-WatchLLM-Cost-Usd"

	cacheHit       = "hit"
	cacheMiss      = "miss"
	cacheCoalesced = "coalesced"

	similarityExact = "exact"
)

// GatewayOptions holds optional tuning parameters. All fields have sensible
// defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// UnaryDeadline / StreamingDeadline are the end-to-end request budgets.
	// Defaults: 60s / 300s.
	UnaryDeadline     time.Duration
	StreamingDeadline time.Duration

	// DefaultCacheTTL applies when a project carries no TTL. Default: 1h.
	DefaultCacheTTL time.Duration

	// DefaultProvider receives models no routing rule claims.
	// Default: "openai".
	DefaultProvider string

	// AttachWindow bounds follower attachment to in-flight leaders.
	// Default: coalesce.DefaultAttachWindow.
	AttachWindow time.Duration

	// MaxBodyBytes bounds accepted request bodies.
	// Default: normalize.DefaultMaxBodyBytes.
	MaxBodyBytes int

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry
}

// Gateway is the edge router. All collaborators are injected so tests can
// substitute doubles.
type Gateway struct {
	reg      registry.Registry
	store    cache.Store // nil disables caching
	embedder *embedding.Client
	flights  *coalesce.Group
	provs    map[string]providers.Provider
	prices   pricing.Source
	sink     telemetry.Sink
	recent   *telemetry.MemorySink // backs the analytics endpoints

	minute  ratelimit.MinuteLimiter
	monthly ratelimit.MonthlyQuota

	exclusions *cache.ExclusionList
	health     *HealthChecker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	unaryDeadline   time.Duration
	streamDeadline  time.Duration
	defaultCacheTTL time.Duration
	defaultProvider string
	maxBodyBytes    int

	corsOrigins []string
}

// NewGateway creates a Gateway. reg, provs, prices, and sink are required;
// store, embedder, and limiters may be nil (the matching feature degrades).
func NewGateway(
	baseCtx context.Context,
	reg registry.Registry,
	store cache.Store,
	embedder *embedding.Client,
	provs map[string]providers.Provider,
	prices pricing.Source,
	sink telemetry.Sink,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("proxy: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	unary := opts.UnaryDeadline
	if unary <= 0 {
		unary = 60 * time.Second
	}
	streaming := opts.StreamingDeadline
	if streaming <= 0 {
		streaming = 300 * time.Second
	}
	ttl := opts.DefaultCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	defaultProvider := opts.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = "openai"
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = normalize.DefaultMaxBodyBytes
	}

	// Analytics reads aggregate over a bounded in-memory window teed in
	// front of the real sink.
	recent := telemetry.NewMemorySink(sink)

	return &Gateway{
		reg:             reg,
		store:           store,
		embedder:        embedder,
		flights:         coalesce.NewGroup(opts.AttachWindow),
		provs:           provs,
		prices:          prices,
		sink:            recent,
		recent:          recent,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		unaryDeadline:   unary,
		streamDeadline:  streaming,
		defaultCacheTTL: ttl,
		defaultProvider: defaultProvider,
		maxBodyBytes:    maxBody,
	}
}

// SetRateLimiters injects the admission dimensions. Either may be nil.
func (g *Gateway) SetRateLimiters(minute ratelimit.MinuteLimiter, monthly ratelimit.MonthlyQuota) {
	g.minute = minute
	g.monthly = monthly
}

// SetCacheExclusions injects the operator-level model exclusion list.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.exclusions = el
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// StartHealthChecker begins background provider and cache probes.
func (g *Gateway) StartHealthChecker(cacheReady func() bool) {
	if len(g.provs) > 0 {
		g.health = NewHealthChecker(g.baseCtx, g.provs, cacheReady, g.metrics)
	}
}

// provider resolves the adapter and name for a model.
func (g *Gateway) provider(model string) (providers.Provider, string, bool) {
	name := providers.Route(model, g.defaultProvider)
	if p, ok := g.provs[name]; ok {
		return p, name, true
	}
	// The routed provider is not configured; fall back to the generic
	// gateway when present, then to any configured provider.
	if p, ok := g.provs["generic"]; ok {
		return p, "generic", true
	}
	for n, p := range g.provs {
		return p, n, true
	}
	return nil, name, false
}

// credentials returns the project-scoped upstream key, empty when the proxy
// should use its own.
func credentials(p *registry.Project, providerName string) string {
	if p == nil || p.ProviderCredentials == nil {
		return ""
	}
	return p.ProviderCredentials[providerName]
}

// emit hands the event to the sink; never blocks.
func (g *Gateway) emit(e telemetry.UsageEvent) {
	g.sink.Emit(e)
}
