// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse) when configured
//  2. initRegistry  — key/project source
//  3. initProviders — upstream LLM adapters
//  4. initServices  — cache store, embedder, pricing, metrics
//  5. initGateway   — edge router composing the above
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/watchllm/proxy/internal/cache"
	"github.com/watchllm/proxy/internal/config"
	"github.com/watchllm/proxy/internal/embedding"
	"github.com/watchllm/proxy/internal/metrics"
	"github.com/watchllm/proxy/internal/pricing"
	"github.com/watchllm/proxy/internal/providers"
	anthropicprov "github.com/watchllm/proxy/internal/providers/anthropic"
	geminiprov "github.com/watchllm/proxy/internal/providers/gemini"
	openaiprov "github.com/watchllm/proxy/internal/providers/openai"
	openaicompatprov "github.com/watchllm/proxy/internal/providers/openaicompat"
	"github.com/watchllm/proxy/internal/proxy"
	"github.com/watchllm/proxy/internal/registry"
	"github.com/watchllm/proxy/internal/telemetry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reg      registry.Registry
	regRedis *registry.RedisRegistry

	store    cache.Store
	embedder *embedding.Client
	prices   *pricing.Table
	sink     telemetry.Sink

	prom  *metrics.Registry
	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("registry_mode", a.cfg.Registry.Mode),
		slog.String("telemetry_mode", a.cfg.Telemetry.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("telemetry close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.regRedis != nil {
		a.regRedis.Close()
		a.regRedis = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe for the health checker, reusing
// the existing client.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates the adapter map from non-empty credentials.
func buildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.Providers.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.Providers.OpenAI.APIKey, opts...)
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Providers.Anthropic.APIKey, opts...)
	}

	if cfg.Providers.Groq.APIKey != "" {
		base := cfg.Providers.Groq.BaseURL
		if base == "" {
			base = openaicompatprov.GroqBaseURL
		}
		provs["groq"] = openaicompatprov.New("groq", cfg.Providers.Groq.APIKey, base)
	}

	if cfg.Providers.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.Providers.Gemini.APIKey, opts...)
		if err != nil {
			log.Warn("gemini provider disabled", slog.String("error", err.Error()))
		} else {
			provs["gemini"] = p
		}
	}

	if cfg.Providers.Generic.APIKey != "" && cfg.Providers.Generic.BaseURL != "" {
		provs["generic"] = openaicompatprov.New("generic",
			cfg.Providers.Generic.APIKey, cfg.Providers.Generic.BaseURL)
	}

	return provs
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@host:6379" → "redis://***@host:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
