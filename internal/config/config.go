// Package config handles gateway configuration: an optional YAML file with
// environment variable expansion, overridden by process environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Defaults  QuotaDefaults   `yaml:"quota_defaults"`
	Providers ProvidersConfig `yaml:"providers"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the persistence backend. When URL is set the
// Postgres backend is used; otherwise the embedded SQLite file at Path.
type DatabaseConfig struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

// AdminConfig holds the operator token guarding /admin.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// RateLimitConfig is the global per-identity admission rate limit.
type RateLimitConfig struct {
	Max    int64         `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// QuotaDefaults are applied to the quota row created with every new user.
type QuotaDefaults struct {
	DailyRequests      int64    `yaml:"daily_requests"`
	DailyTokens        int64    `yaml:"daily_tokens"`
	MonthlySpendCapUSD *float64 `yaml:"monthly_spend_cap_usd"` // nil = unlimited
	MaxConcurrent      int      `yaml:"max_concurrent_requests"`
}

// ProvidersConfig holds upstream provider settings.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig is one upstream's credentials and model policy.
type ProviderConfig struct {
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Models       []string `yaml:"models"`        // allowlist
	DefaultModel string   `yaml:"default_model"` // used when the request omits model
	MaxRPS       float64  `yaml:"max_rps"`       // upstream pacing bucket refill rate
}

// Configured reports whether credentials are present for this upstream.
func (p ProviderConfig) Configured() bool { return p.APIKey != "" }

// RetryConfig bounds upstream retries.
type RetryConfig struct {
	Attempts      int           `yaml:"attempts"`
	BaseInterval  time.Duration `yaml:"base_interval"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	HeaderTimeout time.Duration `yaml:"header_timeout"`
	BodyTimeout   time.Duration `yaml:"body_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics       bool    `yaml:"metrics"`
	TraceEndpoint string  `yaml:"trace_endpoint"` // OTLP gRPC; empty disables tracing
	TraceSample   float64 `yaml:"trace_sample"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level   string `yaml:"level"`   // debug|info|warn|error
	Prompts bool   `yaml:"prompts"` // when false, message contents are never logged
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load builds the configuration: defaults, then the optional YAML file at
// path (if non-empty), then environment variables, which always win.
func Load(path string) (*Config, error) {
	fifty := 50.0
	cfg := &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3100,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "mithril.db",
		},
		RateLimit: RateLimitConfig{
			Max:    120,
			Window: time.Minute,
		},
		Defaults: QuotaDefaults{
			DailyRequests:      1000,
			DailyTokens:        100_000,
			MonthlySpendCapUSD: &fifty,
			MaxConcurrent:      4,
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				Models:       []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini"},
				DefaultModel: "gpt-4o-mini",
				MaxRPS:       10,
			},
			Anthropic: ProviderConfig{
				Models:       []string{"claude-opus-4-6", "claude-sonnet-4-6", "claude-haiku-4-5"},
				DefaultModel: "claude-haiku-4-5",
				MaxRPS:       10,
			},
		},
		Retry: RetryConfig{
			Attempts:      3,
			BaseInterval:  time.Second,
			MaxInterval:   30 * time.Second,
			HeaderTimeout: 30 * time.Second,
			BodyTimeout:   2 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			TraceSample: 0.1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if n, ok := envInt("PORT"); ok {
		cfg.Server.Port = int(n)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAI.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.Providers.Anthropic.BaseURL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if n, ok := envInt("RATE_LIMIT_MAX"); ok {
		cfg.RateLimit.Max = n
	}
	if n, ok := envInt("RATE_LIMIT_WINDOW_MS"); ok {
		cfg.RateLimit.Window = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("DEFAULT_DAILY_REQUESTS"); ok {
		cfg.Defaults.DailyRequests = n
	}
	if n, ok := envInt("DEFAULT_DAILY_TOKENS"); ok {
		cfg.Defaults.DailyTokens = n
	}
	if v := os.Getenv("DEFAULT_MONTHLY_SPEND_CAP_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.MonthlySpendCapUSD = &f
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_PROMPTS"); v != "" {
		cfg.Log.Prompts = v == "true" || v == "1"
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.TraceEndpoint = v
	}
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks startup invariants. Failures here are unrecoverable and the
// process exits 1.
func (c *Config) Validate() error {
	if len(c.Admin.Token) < 16 {
		return fmt.Errorf("ADMIN_TOKEN must be at least 16 characters")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit max and window must be positive")
	}
	if c.Defaults.DailyRequests <= 0 || c.Defaults.DailyTokens <= 0 || c.Defaults.MaxConcurrent <= 0 {
		return fmt.Errorf("quota defaults must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}
