// Package config loads and validates all runtime configuration for the gateway.
//
// Process settings are read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory; .env is
// loaded first when present. Environment variables take precedence over the
// YAML file.
//
// Routing data that does not fit flat variables (accounts, aliases, combos,
// budgets and per-provider resilience profiles) lives in a separate YAML file
// named by ROUTING_FILE and is loaded with LoadRouting.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; config.yaml uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/resilience"
)

// Provider types understood by the gateway. A provider's type decides which
// adapter serves it and which wire format it speaks.
const (
	TypeOpenAI           = "openai"
	TypeAnthropic        = "anthropic"
	TypeGemini           = "gemini"
	TypeVertexAI         = "vertexai"
	TypeAzure            = "azure"
	TypeOpenAICompatible = "openai-compatible"
	TypeOllama           = "ollama"
	TypeConnect          = "connect"
)

// compatible lists the OpenAI-compatible providers that can be enabled with a
// single API key variable.
var compatible = []struct {
	name    string
	env     string
	baseURL string
}{
	{"mistral", "MISTRAL_API_KEY", "https://api.mistral.ai/v1"},
	{"xai", "XAI_API_KEY", "https://api.x.ai/v1"},
	{"deepseek", "DEEPSEEK_API_KEY", "https://api.deepseek.com/v1"},
	{"groq", "GROQ_API_KEY", "https://api.groq.com/openai/v1"},
	{"together", "TOGETHER_API_KEY", "https://api.together.xyz/v1"},
	{"perplexity", "PERPLEXITY_API_KEY", "https://api.perplexity.ai"},
	{"cerebras", "CEREBRAS_API_KEY", "https://api.cerebras.ai/v1"},
	{"moonshot", "MOONSHOT_API_KEY", "https://api.moonshot.cn/v1"},
	{"qwen", "QWEN_API_KEY", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
	{"nebius", "NEBIUS_API_KEY", "https://api.studio.nebius.ai/v1"},
	{"openrouter", "OPENROUTER_API_KEY", "https://openrouter.ai/api/v1"},
}

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Providers enabled through environment variables. The routing file may
	// add more; see Routing.Providers.
	Providers []ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and client
	// rate limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls response caching.
	Cache CacheConfig

	// CircuitBreaker holds the default breaker thresholds of every provider.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit holds the default per-account limits and the client RPM limit.
	RateLimit RateLimitConfig

	// Lockout controls how failed client attempts lock an identifier.
	Lockout LockoutConfig

	// Failover controls the candidate walk.
	Failover FailoverConfig

	// Auth holds the admin token and the client API keys.
	Auth AuthConfig

	// RoutingFile is the path of the YAML routing file. Optional.
	RoutingFile string

	// PricingFile overrides the embedded $/token table. Optional.
	PricingFile string

	// AccountStrategy selects how accounts of one provider are balanced:
	// fill-first, round-robin, random or p2c. Default: p2c.
	AccountStrategy accounts.Strategy

	// ClickHouseDSN enables the ClickHouse telemetry writer when set.
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig describes one upstream provider. Credentials here become the
// provider's implicit "env" account; further accounts come from the routing
// file.
type ProviderConfig struct {
	// Name is how targets address the provider ("openai/gpt-4o").
	Name string `yaml:"name"`

	// Type selects the adapter; see the Type* constants.
	Type string `yaml:"type"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// APIVersion is the Azure OpenAI api-version query parameter.
	APIVersion string `yaml:"api_version"`

	// Project and Location select the Vertex AI backend.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// MaxEntries caps the in-process cache. Default: 10000.
	MaxEntries int

	// Exclude lists model names or globs that are never cached.
	// Example: ["gpt-4o-realtime*", "*-preview"]
	Exclude []string
}

// CircuitBreakerConfig holds the default breaker profile.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures that trip the breaker.
	// Default: 5.
	FailureThreshold int

	// FailureWindow is the rolling window over which failures are counted.
	// Default: 60s.
	FailureWindow time.Duration

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	ResetTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute of one client API key.
	// 0 disables client limiting. Default: 0.
	RPMLimit int

	// RequestsPerWindow and Window bound each upstream account. 0 disables
	// the window. Default: 0 per 60s.
	RequestsPerWindow int
	Window            time.Duration

	// MinInterval is the minimum spacing between requests on one account.
	MinInterval time.Duration

	// Cooldown is the base cooldown after an upstream 429; it doubles with
	// every consecutive 429 up to MaxBackoffLevel. Default: 10s.
	Cooldown time.Duration

	// TransientCooldown follows a network or 5xx failure. Default: 2s.
	TransientCooldown time.Duration

	// MaxBackoffLevel caps the exponential cooldown. Default: 5.
	MaxBackoffLevel int
}

// LockoutConfig controls identifier lockouts.
type LockoutConfig struct {
	// Threshold is the number of failed attempts within Window that locks
	// an identifier. Default: 10.
	Threshold int
	// Window is the rolling window over which attempts are counted. Default: 5m.
	Window time.Duration
	// Duration is how long a lock lasts. Default: 15m.
	Duration time.Duration
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-attempt timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// AuthConfig holds gateway credentials.
type AuthConfig struct {
	// AdminToken protects /admin/*. Admin routes are disabled when empty.
	AdminToken string

	// ClientKeys maps a client API key to its id. Entries are read from
	// CLIENT_API_KEYS as "id:key" pairs; a bare key is its own id. When
	// empty, inbound requests are not authenticated.
	ClientKeys map[string]string
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

	setDefaults(v)

	strategy, err := accounts.ParseStrategy(strings.ToLower(v.GetString("ACCOUNT_STRATEGY")))
	if err != nil {
		return nil, fmt.Errorf("config: ACCOUNT_STRATEGY: %w", err)
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Providers: providersFromEnv(v),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:        v.GetDuration("CACHE_TTL"),
			MaxEntries: v.GetInt("CACHE_MAX_ENTRIES"),
			Exclude:    splitList(v.GetStringSlice("CACHE_EXCLUDE")),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			FailureWindow:    v.GetDuration("CB_FAILURE_WINDOW"),
			ResetTimeout:     v.GetDuration("CB_RESET_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:          v.GetInt("CLIENT_RPM_LIMIT"),
			RequestsPerWindow: v.GetInt("RL_REQUESTS_PER_WINDOW"),
			Window:            v.GetDuration("RL_WINDOW"),
			MinInterval:       v.GetDuration("RL_MIN_INTERVAL"),
			Cooldown:          v.GetDuration("RL_COOLDOWN"),
			TransientCooldown: v.GetDuration("RL_TRANSIENT_COOLDOWN"),
			MaxBackoffLevel:   v.GetInt("RL_MAX_BACKOFF_LEVEL"),
		},

		Lockout: LockoutConfig{
			Threshold: v.GetInt("LOCKOUT_THRESHOLD"),
			Window:    v.GetDuration("LOCKOUT_WINDOW"),
			Duration:  v.GetDuration("LOCKOUT_DURATION"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Auth: AuthConfig{
			AdminToken: v.GetString("ADMIN_TOKEN"),
			ClientKeys: parseClientKeys(splitList(v.GetStringSlice("CLIENT_API_KEYS"))),
		},

		RoutingFile:     v.GetString("ROUTING_FILE"),
		PricingFile:     v.GetString("PRICING_FILE"),
		AccountStrategy: strategy,
		ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
		CORSOrigins:     splitList(v.GetStringSlice("CORS_ORIGINS")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_FAILURE_WINDOW", "60s")
	v.SetDefault("CB_RESET_TIMEOUT", "30s")

	// Per-account rate limit: no window by default, cooldowns always on.
	v.SetDefault("RL_REQUESTS_PER_WINDOW", 0)
	v.SetDefault("RL_WINDOW", "60s")
	v.SetDefault("RL_MIN_INTERVAL", "0s")
	v.SetDefault("RL_COOLDOWN", "10s")
	v.SetDefault("RL_TRANSIENT_COOLDOWN", "2s")
	v.SetDefault("RL_MAX_BACKOFF_LEVEL", 5)

	v.SetDefault("LOCKOUT_THRESHOLD", 10)
	v.SetDefault("LOCKOUT_WINDOW", "5m")
	v.SetDefault("LOCKOUT_DURATION", "15m")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Client rate limit: 0 = disabled.
	v.SetDefault("CLIENT_RPM_LIMIT", 0)

	v.SetDefault("ACCOUNT_STRATEGY", string(accounts.P2C))
	v.SetDefault("AZURE_OPENAI_API_VERSION", "2024-12-01-preview")
	v.SetDefault("VERTEX_LOCATION", "us-central1")
}

// providersFromEnv enables every provider whose credentials are present.
func providersFromEnv(v *viper.Viper) []ProviderConfig {
	var out []ProviderConfig
	add := func(p ProviderConfig, enabled bool) {
		if enabled {
			out = append(out, p)
		}
	}

	openai := ProviderConfig{Name: "openai", Type: TypeOpenAI, APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")}
	add(openai, openai.APIKey != "")

	anthropic := ProviderConfig{Name: "anthropic", Type: TypeAnthropic, APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")}
	add(anthropic, anthropic.APIKey != "")

	gemini := ProviderConfig{Name: "gemini", Type: TypeGemini, APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")}
	add(gemini, gemini.APIKey != "")

	for _, c := range compatible {
		key := v.GetString(c.env)
		add(ProviderConfig{Name: c.name, Type: TypeOpenAICompatible, APIKey: key, BaseURL: c.baseURL}, key != "")
	}

	// Google Vertex AI (ADC unless VERTEX_API_KEY selects express mode).
	vertex := ProviderConfig{
		Name:     "vertexai",
		Type:     TypeVertexAI,
		APIKey:   v.GetString("VERTEX_API_KEY"),
		Project:  v.GetString("VERTEX_PROJECT"),
		Location: v.GetString("VERTEX_LOCATION"),
	}
	add(vertex, vertex.Project != "" || vertex.APIKey != "")

	azure := ProviderConfig{
		Name:       "azure",
		Type:       TypeAzure,
		APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
		BaseURL:    v.GetString("AZURE_OPENAI_ENDPOINT"),
		APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
	}
	add(azure, azure.APIKey != "" && azure.BaseURL != "")

	ollama := ProviderConfig{Name: "ollama", Type: TypeOllama, BaseURL: v.GetString("OLLAMA_BASE_URL")}
	add(ollama, ollama.BaseURL != "")

	connect := ProviderConfig{Name: "connect", Type: TypeConnect, APIKey: v.GetString("CONNECT_API_KEY"), BaseURL: v.GetString("CONNECT_BASE_URL")}
	add(connect, connect.BaseURL != "")

	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Providers) == 0 && c.RoutingFile == "" {
		return fmt.Errorf(
			"config: no provider configured; set a provider API key " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, ...), " +
				"OLLAMA_BASE_URL, VERTEX_PROJECT, AZURE_OPENAI_API_KEY, " +
				"or point ROUTING_FILE at a file that declares providers",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if err := c.Profile().Validate(); err != nil {
		return fmt.Errorf("config: CB_*/RL_* settings: %w", err)
	}
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("config: LOCKOUT_THRESHOLD must be ≥ 1, got %d", c.Lockout.Threshold)
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("config: LOCKOUT_WINDOW and LOCKOUT_DURATION must be positive durations")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}
	if c.Failover.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: CLIENT_RPM_LIMIT must not be negative")
	}

	return nil
}

// Profile returns the default resilience profile assembled from the CB_*
// and RL_* settings.
func (c *Config) Profile() resilience.Profile {
	return resilience.Profile{
		FailureThreshold:    c.CircuitBreaker.FailureThreshold,
		FailureWindowMs:     c.CircuitBreaker.FailureWindow.Milliseconds(),
		ResetTimeoutMs:      c.CircuitBreaker.ResetTimeout.Milliseconds(),
		RequestsPerWindow:   c.RateLimit.RequestsPerWindow,
		WindowMs:            c.RateLimit.Window.Milliseconds(),
		MinIntervalMs:       c.RateLimit.MinInterval.Milliseconds(),
		RateLimitCooldownMs: c.RateLimit.Cooldown.Milliseconds(),
		TransientCooldownMs: c.RateLimit.TransientCooldown.Milliseconds(),
		MaxBackoffLevel:     c.RateLimit.MaxBackoffLevel,
	}
}

// LockoutPolicy converts the LOCKOUT_* settings.
func (c *Config) LockoutPolicy() resilience.LockoutConfig {
	return resilience.LockoutConfig{
		Threshold: c.Lockout.Threshold,
		Window:    c.Lockout.Window,
		Duration:  c.Lockout.Duration,
	}
}

// parseClientKeys turns "id:key" entries into a key -> id map.
func parseClientKeys(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		id, key, ok := strings.Cut(e, ":")
		if !ok {
			id, key = e, e
		}
		if key != "" {
			out[key] = id
		}
	}
	return out
}

// splitList flattens comma-separated values. Viper returns a single element
// for a comma-separated env var.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
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
