package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/watchllm/proxy/internal/cache"
	"github.com/watchllm/proxy/internal/embedding"
	"github.com/watchllm/proxy/internal/metrics"
	"github.com/watchllm/proxy/internal/pricing"
	"github.com/watchllm/proxy/internal/proxy"
	"github.com/watchllm/proxy/internal/ratelimit"
	"github.com/watchllm/proxy/internal/registry"
	"github.com/watchllm/proxy/internal/telemetry"
)

// initInfra establishes optional external connections. Redis is required
// only when the cache or registry run in redis mode.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.Registry.Mode == "redis"
	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.Telemetry.Mode {
	case "clickhouse":
		sink, err := telemetry.NewClickHouseSink(ctx,
			a.cfg.Telemetry.ClickHouseAddr,
			a.cfg.Telemetry.ClickHouseDatabase,
			a.cfg.Telemetry.ClickHouseUsername,
			a.cfg.Telemetry.ClickHousePassword,
			a.log,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.sink = sink
		a.log.Info("telemetry sink: clickhouse",
			slog.String("addr", a.cfg.Telemetry.ClickHouseAddr))

	case "log":
		a.sink = telemetry.NewSlogSink(a.log)
		a.log.Info("telemetry sink: log")

	default:
		a.sink = telemetry.NopSink{}
		a.log.Info("telemetry sink: disabled")
	}

	return nil
}

// initRegistry selects the key/project source.
func (a *App) initRegistry(ctx context.Context) error {
	switch a.cfg.Registry.Mode {
	case "redis":
		a.regRedis = registry.NewRedisRegistry(ctx, a.rdb, a.log, a.cfg.Registry.RefreshInterval)
		a.reg = a.regRedis
		a.log.Info("registry: redis")

	case "static":
		r := a.cfg.Registry
		a.reg = registry.NewStaticRegistry(map[string]*registry.Project{
			r.StaticToken: {
				ID:                  r.StaticProjectID,
				Plan:                registry.Plan(r.StaticPlan),
				MonthlyRequestLimit: r.StaticMonthlyLimit,
				PerMinuteLimit:      r.StaticPerMinuteLimit,
				CacheTTLSeconds:     int(r.StaticCacheTTL.Seconds()),
				SimilarityThreshold: r.StaticSimilarityThreshold,
				CacheEnabled:        r.StaticCacheEnabled,
			},
		})
		a.log.Info("registry: static", slog.String("project_id", r.StaticProjectID))

	default:
		return fmt.Errorf("unknown registry mode: %s", a.cfg.Registry.Mode)
	}

	return nil
}

// initProviders builds the upstream adapter map. At least one provider must
// be configured — enforced by config validation before we reach here.
func (a *App) initProviders(ctx context.Context) error {
	a.provs = buildProviders(ctx, a.cfg, a.log)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache store, embedder, pricing table, and
// Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.store = cache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.store = cache.NewMemoryStore(ctx, a.cfg.Cache.MaxEntriesPerProject)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")
	}

	if a.cfg.Cache.Mode != "none" {
		key := a.cfg.Embedding.APIKey
		if key == "" {
			key = a.cfg.Providers.OpenAI.APIKey
		}
		if key != "" {
			a.embedder = embedding.New(key, a.cfg.Embedding.BaseURL, a.cfg.Embedding.Model,
				embedding.WithDeadline(a.cfg.Embedding.Deadline))
			a.log.Info("embedding provider configured",
				slog.String("model", a.cfg.Embedding.Model))
		} else {
			a.log.Warn("no embedding credentials; semantic caching disabled, exact-match only")
		}
	}

	a.prices = pricing.NewTable(0)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the edge router together with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:            a.log,
		UnaryDeadline:     a.cfg.Deadlines.Unary,
		StreamingDeadline: a.cfg.Deadlines.Streaming,
		DefaultCacheTTL:   a.cfg.Cache.DefaultTTL,
		DefaultProvider:   a.cfg.DefaultProvider,
		AttachWindow:      a.cfg.Coalesce.AttachWindow,
		Metrics:           a.prom,
	}

	gw := proxy.NewGateway(ctx, a.reg, a.store, a.embedder, a.provs, a.prices, a.sink, opts)

	// Admission control.
	if a.cfg.RateLimit.Enabled {
		if a.rdb != nil {
			gw.SetRateLimiters(
				ratelimit.NewRedisMinuteLimiter(a.rdb),
				ratelimit.NewRedisMonthlyQuota(a.rdb),
			)
			a.log.Info("rate limiting enabled (redis)")
		} else {
			gw.SetRateLimiters(
				ratelimit.NewMemoryMinuteLimiter(),
				ratelimit.NewMemoryMonthlyQuota(),
			)
			a.log.Info("rate limiting enabled (memory)")
		}
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Background health probes.
	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(ctx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}
	gw.StartHealthChecker(cacheReady)

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	a.gw = gw

	return nil
}
