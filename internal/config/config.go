// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file is loaded first when
// present.
//
// Every knob has a documented default; one upstream provider key is required
// for the proxy to start, and in the default static registry mode so is
// PROXY_API_KEY. Redis is optional — with
// CACHE_MODE=memory the proxy runs with zero external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level: debug, info, warn, error.
	LogLevel string

	// Providers holds upstream credentials; at least one must be set.
	Providers ProvidersConfig

	// DefaultProvider receives models no routing rule claims. Default: openai.
	DefaultProvider string

	// Embedding configures the semantic-cache embedding endpoint.
	Embedding EmbeddingConfig

	// Redis is required when the cache, registry, or rate limiter run in
	// redis mode.
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// Registry selects where API keys and projects come from.
	Registry RegistryConfig

	// RateLimit toggles admission control.
	RateLimit RateLimitConfig

	// Coalesce tunes single-flight behavior.
	Coalesce CoalesceConfig

	// Deadlines are the end-to-end request budgets.
	Deadlines DeadlinesConfig

	// Telemetry selects the usage-event sink.
	Telemetry TelemetryConfig

	// CORSOrigins is the allowed origin list; ["*"] allows any (default).
	CORSOrigins []string
}

// ProvidersConfig holds per-provider credentials and base URL overrides.
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Groq      ProviderConfig
	Gemini    ProviderConfig

	// Generic is an optional OpenAI-compatible gateway that serves any
	// model not claimed by a known provider.
	Generic GenericProviderConfig
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default endpoint. Useful for mocks.
	BaseURL string
}

// GenericProviderConfig configures the wildcard OpenAI-compatible upstream.
type GenericProviderConfig struct {
	APIKey  string
	BaseURL string
}

// EmbeddingConfig configures the embedding provider used for semantic
// lookups. The provider is called as a black box over the OpenAI embeddings
// protocol.
type EmbeddingConfig struct {
	// APIKey authenticates against the embedding endpoint. Falls back to
	// the OpenAI key when empty.
	APIKey string

	// BaseURL overrides the endpoint. Empty targets the OpenAI API.
	BaseURL string

	// Model is the embedding model. Default: text-embedding-3-small.
	Model string

	// Deadline bounds one embedding call. Default: 2s.
	Deadline time.Duration
}

// RedisConfig holds the shared Redis connection URL.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL, e.g. redis://localhost:6379.
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the backend: "redis", "memory", or "none".
	// Default: "memory".
	Mode string

	// DefaultTTL applies when a project carries no TTL of its own.
	// Default: 1h.
	DefaultTTL time.Duration

	// MaxEntriesPerProject bounds the memory backend. Default: 10000.
	MaxEntriesPerProject int

	// DefaultSimilarityThreshold is read and range-checked at startup.
	// Default: 0.92. Semantic lookups do not consult it: they use the
	// project's own threshold, and a project with none is clamped to 0.85.
	DefaultSimilarityThreshold float64

	// ExcludeExact and ExcludePatterns bar models from caching entirely.
	ExcludeExact    []string
	ExcludePatterns []string
}

// RegistryConfig selects the key/project source.
type RegistryConfig struct {
	// Mode is "redis" (control-plane records in Redis) or "static".
	// Default: "static".
	Mode string

	// RefreshInterval is the redis snapshot refresh period. Default: 30s.
	RefreshInterval time.Duration

	// StaticToken and friends define the single project served in static
	// mode. StaticToken is required in static mode.
	StaticToken               string
	StaticProjectID           string
	StaticPlan                string
	StaticMonthlyLimit        int64
	StaticPerMinuteLimit      int
	StaticCacheTTL            time.Duration
	StaticSimilarityThreshold float64
	StaticCacheEnabled        bool
}

// RateLimitConfig toggles admission control.
type RateLimitConfig struct {
	// Enabled turns both dimensions on. Limits themselves are per-project
	// registry data. Default: true.
	Enabled bool
}

// CoalesceConfig tunes single-flight behavior.
type CoalesceConfig struct {
	// AttachWindow bounds how old a leader may be for followers to join.
	// Default: 30s.
	AttachWindow time.Duration
}

// DeadlinesConfig holds the end-to-end request budgets.
type DeadlinesConfig struct {
	// Unary applies to non-streaming requests. Default: 60s.
	Unary time.Duration

	// Streaming applies to SSE requests. Default: 300s.
	Streaming time.Duration
}

// TelemetryConfig selects the usage-event sink.
type TelemetryConfig struct {
	// Mode is "clickhouse", "log", or "none". Default: "log".
	Mode string

	// ClickHouse connection parameters; Addr is host:port.
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_PROVIDER", "openai")

	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBEDDING_DEADLINE", "2s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES_PER_PROJECT", 10000)
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.92)

	v.SetDefault("REGISTRY_MODE", "static")
	v.SetDefault("REGISTRY_REFRESH_INTERVAL", "30s")
	v.SetDefault("PROJECT_ID", "default")
	v.SetDefault("PROJECT_PLAN", "free")
	v.SetDefault("PROJECT_MONTHLY_LIMIT", 50000)
	v.SetDefault("PROJECT_PER_MINUTE_LIMIT", 60)
	v.SetDefault("PROJECT_CACHE_TTL", "1h")
	v.SetDefault("PROJECT_SIMILARITY_THRESHOLD", 0.92)
	v.SetDefault("PROJECT_CACHE_ENABLED", true)

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("COALESCE_ATTACH_WINDOW", "30s")

	v.SetDefault("DEADLINE_UNARY", "60s")
	v.SetDefault("DEADLINE_STREAMING", "300s")

	v.SetDefault("TELEMETRY_MODE", "log")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:            v.GetInt("PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		DefaultProvider: strings.ToLower(v.GetString("DEFAULT_PROVIDER")),

		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
			Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
			Groq:      ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},
			Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
			Generic: GenericProviderConfig{
				APIKey:  v.GetString("GENERIC_API_KEY"),
				BaseURL: v.GetString("GENERIC_BASE_URL"),
			},
		},

		Embedding: EmbeddingConfig{
			APIKey:   v.GetString("EMBEDDING_API_KEY"),
			BaseURL:  v.GetString("EMBEDDING_BASE_URL"),
			Model:    v.GetString("EMBEDDING_MODEL"),
			Deadline: v.GetDuration("EMBEDDING_DEADLINE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:                       strings.ToLower(v.GetString("CACHE_MODE")),
			DefaultTTL:                 v.GetDuration("CACHE_TTL"),
			MaxEntriesPerProject:       v.GetInt("CACHE_MAX_ENTRIES_PER_PROJECT"),
			DefaultSimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			ExcludeExact:               v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns:            v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Registry: RegistryConfig{
			Mode:                      strings.ToLower(v.GetString("REGISTRY_MODE")),
			RefreshInterval:           v.GetDuration("REGISTRY_REFRESH_INTERVAL"),
			StaticToken:               v.GetString("PROXY_API_KEY"),
			StaticProjectID:           v.GetString("PROJECT_ID"),
			StaticPlan:                v.GetString("PROJECT_PLAN"),
			StaticMonthlyLimit:        v.GetInt64("PROJECT_MONTHLY_LIMIT"),
			StaticPerMinuteLimit:      v.GetInt("PROJECT_PER_MINUTE_LIMIT"),
			StaticCacheTTL:            v.GetDuration("PROJECT_CACHE_TTL"),
			StaticSimilarityThreshold: v.GetFloat64("PROJECT_SIMILARITY_THRESHOLD"),
			StaticCacheEnabled:        v.GetBool("PROJECT_CACHE_ENABLED"),
		},

		RateLimit: RateLimitConfig{Enabled: v.GetBool("RATE_LIMIT_ENABLED")},

		Coalesce: CoalesceConfig{AttachWindow: v.GetDuration("COALESCE_ATTACH_WINDOW")},

		Deadlines: DeadlinesConfig{
			Unary:     v.GetDuration("DEADLINE_UNARY"),
			Streaming: v.GetDuration("DEADLINE_STREAMING"),
		},

		Telemetry: TelemetryConfig{
			Mode:               strings.ToLower(v.GetString("TELEMETRY_MODE")),
			ClickHouseAddr:     v.GetString("CLICKHOUSE_ADDR"),
			ClickHouseDatabase: v.GetString("CLICKHOUSE_DATABASE"),
			ClickHouseUsername: v.GetString("CLICKHOUSE_USERNAME"),
			ClickHousePassword: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GROQ_API_KEY, GOOGLE_API_KEY, or GENERIC_API_KEY)",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	switch c.Registry.Mode {
	case "redis", "static":
	default:
		return fmt.Errorf("config: invalid REGISTRY_MODE %q; must be one of: redis, static", c.Registry.Mode)
	}

	if c.Registry.Mode == "static" && c.Registry.StaticToken == "" {
		return fmt.Errorf("config: PROXY_API_KEY is required when REGISTRY_MODE=static")
	}

	needsRedis := c.Cache.Mode == "redis" || c.Registry.Mode == "redis"
	if needsRedis && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis or REGISTRY_MODE=redis")
	}

	switch c.Telemetry.Mode {
	case "clickhouse", "log", "none":
	default:
		return fmt.Errorf("config: invalid TELEMETRY_MODE %q; must be one of: clickhouse, log, none", c.Telemetry.Mode)
	}
	if c.Telemetry.Mode == "clickhouse" && c.Telemetry.ClickHouseAddr == "" {
		return fmt.Errorf("config: CLICKHOUSE_ADDR is required when TELEMETRY_MODE=clickhouse")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if t := c.Cache.DefaultSimilarityThreshold; t < 0.85 || t > 0.99 {
		return fmt.Errorf("config: CACHE_SIMILARITY_THRESHOLD %v outside [0.85, 0.99]", t)
	}

	if c.Deadlines.Unary <= 0 || c.Deadlines.Streaming <= 0 {
		return fmt.Errorf("config: request deadlines must be positive durations")
	}

	return nil
}

// AtLeastOneProviderKey reports whether any upstream is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.Providers.OpenAI.APIKey != "" ||
		c.Providers.Anthropic.APIKey != "" ||
		c.Providers.Groq.APIKey != "" ||
		c.Providers.Gemini.APIKey != "" ||
		c.Providers.Generic.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
