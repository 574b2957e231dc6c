// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example AICORE_CLIENT_ID becomes
// aicore_client_id in YAML.
//
// The upstream OAuth credentials (AICORE_CLIENT_ID, AICORE_CLIENT_SECRET,
// AICORE_AUTH_URL, AICORE_BASE_URL) are the only hard requirements. Redis is
// optional — leave REDIS_URL unset to run without the per-client rate limiter.
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

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream holds the platform credentials and endpoints.
	Upstream UpstreamConfig

	// APIKeyFile is the path of the local API-key file. Created with mode 0600
	// on first startup when absent. Default: ".api_key".
	APIKeyFile string

	// Limits bounds incoming request structure before any upstream work.
	Limits LimitsConfig

	// RateLimit controls the per-model 429 backoff ledger.
	RateLimit RateLimitConfig

	// Redis holds the connection URL for the optional per-client-IP limiter.
	Redis RedisConfig

	// RPMLimit is the per-client-IP requests-per-minute cap. 0 disables the
	// limiter (it is also disabled when REDIS_URL is unset). Default: 0.
	RPMLimit int

	// Stream controls synthesized streaming delivery.
	Stream StreamConfig

	// Registry controls deployment discovery.
	Registry RegistryConfig

	// Pool controls idle eviction of per-model handles.
	Pool PoolConfig

	// VisionFallbackModel is tried once when a vision-capable model reports it
	// cannot see an attached image. Empty disables the fallback.
	VisionFallbackModel string

	// VisionRefusalPhrases / VisionRefusalPatterns extend the built-in
	// refusal-detection phrase list (exact substrings and Go regexps).
	VisionRefusalPhrases  []string
	VisionRefusalPatterns []string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds the platform OAuth credentials and endpoints.
type UpstreamConfig struct {
	// ClientID / ClientSecret feed the client-credentials token flow. Required.
	ClientID     string
	ClientSecret string

	// AuthURL is the authorization server base, e.g.
	// "https://tenant.authentication.example.com". The token endpoint is
	// AuthURL + "/oauth/token". Required.
	AuthURL string

	// BaseURL is the platform API base, e.g. "https://api.ai.example.com".
	// Required.
	BaseURL string

	// ResourceGroup is sent as the AI-Resource-Group header. Default: "default".
	ResourceGroup string

	// APIVersion is appended to openai-dialect inference URLs.
	// Default: "2024-10-21".
	APIVersion string
}

// LimitsConfig bounds request structure.
type LimitsConfig struct {
	// MaxMessages is the maximum number of messages per request. Default: 100.
	MaxMessages int

	// MaxContentLength is the maximum length of a single text content or part,
	// in bytes after trimming. Default: 1_000_000.
	MaxContentLength int

	// MaxRequestSize is the pre-parse body size cap in bytes. Requests above
	// it are rejected with 413 before JSON decoding. Default: 10 MiB.
	MaxRequestSize int
}

// RateLimitConfig controls the per-model backoff ledger. All values are read
// once at startup.
type RateLimitConfig struct {
	// MaxRetries is the retry budget per rate-limited model. Zero disables
	// retries: the first 429 fails fast. Default: 3.
	MaxRetries int

	// BaseDelay is the first backoff delay. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 60s.
	MaxDelay time.Duration

	// ExponentialBase multiplies the delay per retry. Default: 2.0.
	ExponentialBase float64

	// JitterFactor bounds the additive jitter as a fraction of the delay,
	// uniform in [0, delay*JitterFactor]. Default: 0.1.
	JitterFactor float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// StreamConfig controls synthesized streaming.
type StreamConfig struct {
	// ChunkSize is the character budget per synthesized chunk. Default: 10.
	ChunkSize int

	// ChunkDelay is the inter-chunk delay for synthesized streams. Default: 50ms.
	ChunkDelay time.Duration
}

// RegistryConfig controls deployment discovery.
type RegistryConfig struct {
	// CacheTTL is how long a fetched deployment catalog stays valid. Default: 5m.
	CacheTTL time.Duration
}

// PoolConfig controls the pooled-model sweeper.
type PoolConfig struct {
	// IdleTimeout evicts a model handle idle longer than this. Default: 30m.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweeper runs. Default: 5m.
	SweepInterval time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// The four upstream credential variables are required; everything else has a
// default.
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
	v.SetDefault("API_KEY_FILE", ".api_key")
	v.SetDefault("AICORE_RESOURCE_GROUP", "default")
	v.SetDefault("AICORE_API_VERSION", "2024-10-21")

	// Validation limits.
	v.SetDefault("MAX_MESSAGES_PER_REQUEST", 100)
	v.SetDefault("MAX_CONTENT_LENGTH", 1_000_000)
	v.SetDefault("MAX_REQUEST_SIZE", 10<<20)

	// Ledger backoff defaults.
	v.SetDefault("RATE_LIMIT_MAX_RETRIES", 3)
	v.SetDefault("RATE_LIMIT_BASE_DELAY_MS", 1000)
	v.SetDefault("RATE_LIMIT_MAX_DELAY_MS", 60_000)
	v.SetDefault("RATE_LIMIT_EXPONENTIAL_BASE", 2.0)
	v.SetDefault("RATE_LIMIT_JITTER_FACTOR", 0.1)

	// Per-client limiter: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Streaming synthesis.
	v.SetDefault("STREAM_CHUNK_SIZE", 10)
	v.SetDefault("STREAM_CHUNK_DELAY_MS", 50)

	// Discovery and pool.
	v.SetDefault("DEPLOYMENT_CACHE_TTL", "5m")
	v.SetDefault("POOL_IDLE_TIMEOUT", "30m")
	v.SetDefault("POOL_SWEEP_INTERVAL", "5m")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			ClientID:      v.GetString("AICORE_CLIENT_ID"),
			ClientSecret:  v.GetString("AICORE_CLIENT_SECRET"),
			AuthURL:       strings.TrimRight(v.GetString("AICORE_AUTH_URL"), "/"),
			BaseURL:       strings.TrimRight(v.GetString("AICORE_BASE_URL"), "/"),
			ResourceGroup: v.GetString("AICORE_RESOURCE_GROUP"),
			APIVersion:    v.GetString("AICORE_API_VERSION"),
		},

		APIKeyFile: v.GetString("API_KEY_FILE"),

		Limits: LimitsConfig{
			MaxMessages:      v.GetInt("MAX_MESSAGES_PER_REQUEST"),
			MaxContentLength: v.GetInt("MAX_CONTENT_LENGTH"),
			MaxRequestSize:   v.GetInt("MAX_REQUEST_SIZE"),
		},

		RateLimit: RateLimitConfig{
			MaxRetries:      v.GetInt("RATE_LIMIT_MAX_RETRIES"),
			BaseDelay:       time.Duration(v.GetInt("RATE_LIMIT_BASE_DELAY_MS")) * time.Millisecond,
			MaxDelay:        time.Duration(v.GetInt("RATE_LIMIT_MAX_DELAY_MS")) * time.Millisecond,
			ExponentialBase: v.GetFloat64("RATE_LIMIT_EXPONENTIAL_BASE"),
			JitterFactor:    v.GetFloat64("RATE_LIMIT_JITTER_FACTOR"),
		},

		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},
		RPMLimit: v.GetInt("RPM_LIMIT"),

		Stream: StreamConfig{
			ChunkSize:  v.GetInt("STREAM_CHUNK_SIZE"),
			ChunkDelay: time.Duration(v.GetInt("STREAM_CHUNK_DELAY_MS")) * time.Millisecond,
		},

		Registry: RegistryConfig{
			CacheTTL: v.GetDuration("DEPLOYMENT_CACHE_TTL"),
		},

		Pool: PoolConfig{
			IdleTimeout:   v.GetDuration("POOL_IDLE_TIMEOUT"),
			SweepInterval: v.GetDuration("POOL_SWEEP_INTERVAL"),
		},

		VisionFallbackModel:   v.GetString("VISION_FALLBACK_MODEL"),
		VisionRefusalPhrases:  v.GetStringSlice("VISION_REFUSAL_PHRASES"),
		VisionRefusalPatterns: v.GetStringSlice("VISION_REFUSAL_PATTERNS"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf(
			"config: AICORE_CLIENT_ID and AICORE_CLIENT_SECRET are required",
		)
	}
	if c.Upstream.AuthURL == "" {
		return fmt.Errorf("config: AICORE_AUTH_URL is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: AICORE_BASE_URL is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX_RETRIES must be ≥ 0, got %d", c.RateLimit.MaxRetries)
	}
	if c.RateLimit.BaseDelay <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_BASE_DELAY_MS must be positive")
	}
	if c.RateLimit.MaxDelay < c.RateLimit.BaseDelay {
		return fmt.Errorf("config: RATE_LIMIT_MAX_DELAY_MS must be ≥ RATE_LIMIT_BASE_DELAY_MS")
	}
	if c.RateLimit.ExponentialBase < 1 {
		return fmt.Errorf("config: RATE_LIMIT_EXPONENTIAL_BASE must be ≥ 1")
	}
	if c.RateLimit.JitterFactor < 0 {
		return fmt.Errorf("config: RATE_LIMIT_JITTER_FACTOR must be ≥ 0")
	}

	if c.Limits.MaxMessages < 1 || c.Limits.MaxContentLength < 1 || c.Limits.MaxRequestSize < 1 {
		return fmt.Errorf("config: request limits must be ≥ 1")
	}

	if c.Stream.ChunkSize < 1 {
		return fmt.Errorf("config: STREAM_CHUNK_SIZE must be ≥ 1, got %d", c.Stream.ChunkSize)
	}

	if c.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: RPM_LIMIT requires REDIS_URL")
	}

	return nil
}

// TokenURL returns the full OAuth token endpoint.
func (c *UpstreamConfig) TokenURL() string {
	return c.AuthURL + "/oauth/token"
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
