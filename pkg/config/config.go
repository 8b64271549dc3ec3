package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/prompt2frame/framegate/pkg/ratelimit"
)

// Config holds all framegate configuration.
type Config struct {
	Listen    string          `yaml:"listen" toml:"listen"`
	DBPath    string          `yaml:"db_path" toml:"db_path"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Codegen   CodegenConfig   `yaml:"codegen" toml:"codegen"`
	Renderer  RendererConfig  `yaml:"renderer" toml:"renderer"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker" toml:"breaker"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
}

// LogConfig selects the slog handler. Level is debug, info, warn or error;
// Format is text or json.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ServerConfig controls the HTTP front.
type ServerConfig struct {
	// TrustProxyHeaders derives the client identity from X-Forwarded-For /
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
	RequestTimeout    Duration `yaml:"request_timeout" toml:"request_timeout"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
	// AdminToken enables the /admin endpoints for bearer requests carrying
	// it. Empty disables them.
	AdminToken string `yaml:"admin_token" toml:"admin_token"`
}

// CodegenConfig defines the OpenAI-compatible code-generation service.
type CodegenConfig struct {
	URL          string   `yaml:"url" toml:"url"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	Model        string   `yaml:"model" toml:"model"`
	Temperature  float64  `yaml:"temperature" toml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens" toml:"max_tokens"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	SystemPrompt string   `yaml:"system_prompt" toml:"system_prompt"`
}

// RendererConfig defines the rendering service. Timeout bounds the whole
// HTTP exchange; RenderTimeout is the budget the service enforces itself.
type RendererConfig struct {
	URL           string   `yaml:"url" toml:"url"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	RenderTimeout Duration `yaml:"render_timeout" toml:"render_timeout"`
}

// CacheConfig controls the prompt and render caches.
type CacheConfig struct {
	PromptTTL        Duration `yaml:"prompt_ttl" toml:"prompt_ttl"`
	RenderTTL        Duration `yaml:"render_ttl" toml:"render_ttl"`
	PromptMaxEntries int      `yaml:"prompt_max_entries" toml:"prompt_max_entries"`
	RenderMaxEntries int      `yaml:"render_max_entries" toml:"render_max_entries"`
	Shards           int      `yaml:"shards" toml:"shards"`
	SweepInterval    Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	// Persist stores rendered artifacts in db_path and reloads them on start.
	Persist bool `yaml:"persist" toml:"persist"`
}

// RateLimitConfig controls per-client admission.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	Backend       string        `yaml:"backend" toml:"backend"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" toml:"key_prefix"`
	Limits        []LimitConfig `yaml:"limits" toml:"limits"`
	SweepInterval Duration      `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LimitConfig is one sliding window.
type LimitConfig struct {
	Name     string   `yaml:"name" toml:"name"`
	Requests int      `yaml:"requests" toml:"requests"`
	Window   Duration `yaml:"window" toml:"window"`
}

// BreakerConfig controls the circuit breaker guarding code generation.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window" toml:"failure_window"`
	Cooldown         Duration `yaml:"cooldown" toml:"cooldown"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls" toml:"half_open_max_calls"`
	SuccessThreshold int      `yaml:"success_threshold" toml:"success_threshold"`
}

// HistoryConfig controls the generation outcome log.
type HistoryConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Retention Duration `yaml:"retention" toml:"retention"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "framegate.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			RequestTimeout: Duration(7 * time.Minute),
			MaxBodyBytes:   64 << 10,
		},
		Codegen: CodegenConfig{
			URL:         "https://api.groq.com/openai/v1",
			Model:       "llama3-70b-8192",
			Temperature: 0.2,
			MaxTokens:   2000,
			Timeout:     Duration(60 * time.Second),
		},
		Renderer: RendererConfig{
			URL:           "http://localhost:8000",
			Timeout:       Duration(310 * time.Second),
			RenderTimeout: Duration(300 * time.Second),
		},
		Cache: CacheConfig{
			PromptTTL:        Duration(24 * time.Hour),
			RenderTTL:        Duration(7 * 24 * time.Hour),
			PromptMaxEntries: 10000,
			RenderMaxEntries: 10000,
			Shards:           16,
			SweepInterval:    Duration(5 * time.Minute),
			Persist:          true,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Backend:   "memory",
			KeyPrefix: "framegate:ratelimit:",
			Limits: []LimitConfig{
				{Name: "per_minute", Requests: 5, Window: Duration(time.Minute)},
				{Name: "per_hour", Requests: 20, Window: Duration(time.Hour)},
			},
			SweepInterval: Duration(time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    Duration(time.Minute),
			Cooldown:         Duration(60 * time.Second),
			HalfOpenMaxCalls: 1,
			SuccessThreshold: 1,
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: Duration(30 * 24 * time.Hour),
		},
	}
}

// Load reads a YAML or TOML config file, chosen by extension, and expands
// environment variables. Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	defaultLimits := cfg.RateLimit.Limits
	cfg.RateLimit.Limits = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(expanded, cfg)
	default:
		err = yaml.Unmarshal(expanded, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.RateLimit.Limits == nil {
		cfg.RateLimit.Limits = defaultLimits
	}

	return cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen is required")
	}
	if c.Codegen.URL == "" {
		return errors.New("config: codegen.url is required")
	}
	if c.Codegen.Model == "" {
		return errors.New("config: codegen.model is required")
	}
	if c.Renderer.URL == "" {
		return errors.New("config: renderer.url is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	// A full miss runs both stages back to back.
	if rt := c.Server.RequestTimeout; rt > 0 && rt < c.Codegen.Timeout+c.Renderer.Timeout {
		return fmt.Errorf("config: server.request_timeout %s is shorter than codegen.timeout + renderer.timeout (%s)",
			rt, c.Codegen.Timeout+c.Renderer.Timeout)
	}
	if c.Cache.PromptTTL < 0 || c.Cache.RenderTTL < 0 {
		return errors.New("config: cache TTLs must not be negative")
	}
	if c.Cache.PromptMaxEntries < 0 || c.Cache.RenderMaxEntries < 0 {
		return errors.New("config: cache max entries must not be negative")
	}
	if c.Cache.Persist && c.DBPath == "" {
		return errors.New("config: cache.persist requires db_path")
	}
	if c.History.Enabled && c.DBPath == "" {
		return errors.New("config: history.enabled requires db_path")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.HalfOpenMaxCalls < 0 || c.Breaker.SuccessThreshold < 0 {
		return errors.New("config: breaker thresholds must not be negative")
	}

	if !c.RateLimit.Enabled {
		return nil
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return errors.New("config: rate_limit.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: rate_limit.backend %q must be memory or redis", c.RateLimit.Backend)
	}
	if len(c.RateLimit.Limits) == 0 {
		return errors.New("config: rate_limit.limits must not be empty when rate limiting is enabled")
	}
	for i, l := range c.RateLimit.Limits {
		if l.Requests <= 0 || l.Window <= 0 {
			return fmt.Errorf("config: rate_limit.limits[%d] (%s): requests and window must be positive", i, l.Name)
		}
	}
	return nil
}

// RateLimits converts the configured windows for the ratelimit package.
func (c RateLimitConfig) RateLimits() []ratelimit.Limit {
	out := make([]ratelimit.Limit, len(c.Limits))
	for i, l := range c.Limits {
		out[i] = ratelimit.Limit{Name: l.Name, Requests: l.Requests, Window: l.Window.Std()}
	}
	return out
}
