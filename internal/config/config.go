// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	plexus "github.com/plexushq/plexus/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig                      `yaml:"server"`
	Database  DatabaseConfig                    `yaml:"database"`
	Auth      AuthConfig                        `yaml:"auth"`
	Telemetry TelemetryConfig                   `yaml:"telemetry"`
	Providers map[string]*plexus.ProviderConfig `yaml:"providers"`
	Models    []plexus.ModelConfig              `yaml:"models"`

	// Populated from the environment in Load, not from YAML.
	Cooldown  CooldownConfig  `yaml:"-"`
	A2A       A2AConfig       `yaml:"-"`
	RateLimit RateLimitConfig `yaml:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings. Path defaults to plexus.db under
// DATA_DIR (or the working directory when DATA_DIR is unset).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the API key list and the admin key.
type AuthConfig struct {
	Keys     []KeyEntry `yaml:"keys"`
	AdminKey string     `yaml:"admin_key"`
}

// KeyEntry is one named API key. Secrets are compared in constant time and
// only their SHA-256 is ever logged or persisted.
type KeyEntry struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CooldownConfig controls failure cooldowns.
type CooldownConfig struct {
	Default time.Duration // fallback when no provider-specific hint parses
}

// A2AConfig holds task-engine settings.
type A2AConfig struct {
	IdempotencyRetention time.Duration
	DBTimeout            time.Duration
	PushEncryptionKey    string // base64 or hex AES-256 key; empty disables encrypted auth
	PushAllowInsecure    bool   // permit http:// and private-range push endpoints
	PushMaxQueueDepth    int
}

// RateLimitConfig holds fixed-window limiter settings for the A2A surface.
type RateLimitConfig struct {
	Enabled           bool
	Window            time.Duration
	MaxRequests       int
	MaxStreamRequests int
	MaxBuckets        int
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

// Load reads and parses a YAML config file, expanding environment variables
// and layering environment knobs on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Map keys carry the provider name; copy it onto each entry.
	for name, p := range cfg.Providers {
		if p == nil {
			p = &plexus.ProviderConfig{}
			cfg.Providers[name] = p
		}
		p.Name = name
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(envStr("DATA_DIR", "."), "plexus.db")
	}

	cfg.Cooldown = CooldownConfig{
		Default: time.Duration(envInt("PROVIDER_COOLDOWN_MINUTES", 10)) * time.Minute,
	}
	cfg.A2A = A2AConfig{
		IdempotencyRetention: time.Duration(envInt("A2A_IDEMPOTENCY_RETENTION_HOURS", 24)) * time.Hour,
		DBTimeout:            time.Duration(envInt("A2A_DB_TIMEOUT_MS", 10_000)) * time.Millisecond,
		PushEncryptionKey:    os.Getenv("A2A_PUSH_AUTH_ENCRYPTION_KEY"),
		PushAllowInsecure:    envBool("A2A_PUSH_ALLOW_INSECURE_ENDPOINTS", false),
		PushMaxQueueDepth:    envInt("A2A_PUSH_MAX_QUEUE_DEPTH", 10_000),
	}
	cfg.RateLimit = RateLimitConfig{
		Enabled:           envBool("A2A_RATE_LIMIT_ENABLED", true),
		Window:            time.Duration(envInt("A2A_RATE_LIMIT_WINDOW_MS", 60_000)) * time.Millisecond,
		MaxRequests:       envInt("A2A_RATE_LIMIT_MAX_REQUESTS", 120),
		MaxStreamRequests: envInt("A2A_RATE_LIMIT_MAX_STREAM_REQUESTS", 30),
		MaxBuckets:        envInt("A2A_RATE_LIMIT_MAX_BUCKETS", 10_000),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configurations that would fail at request time.
func validate(cfg *Config) error {
	for name, p := range cfg.Providers {
		if len(p.Type) == 0 {
			return fmt.Errorf("provider %q: missing type", name)
		}
		for _, t := range p.Type {
			if t == "antigravity" {
				continue // gemini dialect with the request/response envelope
			}
			if _, ok := plexus.ParseAPIType(t); !ok {
				return fmt.Errorf("provider %q: unknown type %q", name, t)
			}
		}
		if p.ForceTransformer != "" {
			if _, ok := plexus.ParseAPIType(p.ForceTransformer); !ok {
				return fmt.Errorf("provider %q: unknown force_transformer %q", name, p.ForceTransformer)
			}
		}
	}
	seen := make(map[string]string, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.ID == "" {
			return fmt.Errorf("model entry without id")
		}
		for _, alias := range append([]string{m.ID}, m.AdditionalAliases...) {
			if prev, dup := seen[alias]; dup {
				return fmt.Errorf("model alias %q declared by both %q and %q", alias, prev, m.ID)
			}
			seen[alias] = m.ID
		}
		for _, t := range m.Targets {
			if _, ok := cfg.Providers[t.Provider]; !ok {
				return fmt.Errorf("model %q: target references unknown provider %q", m.ID, t.Provider)
			}
		}
	}
	return nil
}
