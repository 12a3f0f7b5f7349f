package config

import (
	"time"

	"github.com/soyeahso/unisync/internal/logging"
)

// Config is the root configuration for unisync. It is read once at startup.
type Config struct {
	External ExternalConfig `yaml:"external,omitempty"`
	Sync     SyncConfig     `yaml:"sync,omitempty"`
	Cache    CacheConfig    `yaml:"cache,omitempty"`
	Retry    RetryConfig    `yaml:"retry,omitempty"`
	Health   HealthConfig   `yaml:"health,omitempty"`
	Stream   StreamConfig   `yaml:"stream,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty"`
	LocalAI  LocalAIConfig  `yaml:"localAI,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// ExternalConfig describes the external agent service.
type ExternalConfig struct {
	Enabled         *bool  `yaml:"enabled,omitempty"`
	BaseURL         string `yaml:"baseUrl,omitempty"`
	Token           string `yaml:"token,omitempty"` // bearer token, may be ${ENV_VAR}
	TimeoutMs       int    `yaml:"timeoutMs,omitempty"`
	HealthTimeoutMs int    `yaml:"healthTimeoutMs,omitempty"` // capped at 5000
}

// SyncConfig controls the synchronization engine.
type SyncConfig struct {
	AutoSync       *bool `yaml:"autoSync,omitempty"`
	IntervalMs     int   `yaml:"intervalMs,omitempty"`
	InitialDelayMs int   `yaml:"initialDelayMs,omitempty"`
	ItemDelayMs    int   `yaml:"itemDelayMs,omitempty"`
}

// CacheConfig controls the tiered cache.
type CacheConfig struct {
	Enabled      *bool `yaml:"enabled,omitempty"`
	TTLSeconds   int   `yaml:"ttlSeconds,omitempty"`
	WriteThrough *bool `yaml:"writeThrough,omitempty"`
}

// RetryConfig controls intra-call retries.
type RetryConfig struct {
	Attempts    int `yaml:"attempts,omitempty"`
	BaseDelayMs int `yaml:"baseDelayMs,omitempty"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	WindowSeconds int `yaml:"windowSeconds,omitempty"`
}

// StreamConfig controls synthesized streams.
type StreamConfig struct {
	ChunkDelayMs int `yaml:"chunkDelayMs,omitempty"`
}

// StoreConfig locates the local SQLite database.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // defaults to <home>/data/unisync.db
}

// LocalAIConfig configures the local model used when the external service
// cannot answer an invocation.
type LocalAIConfig struct {
	Enabled          bool   `yaml:"enabled,omitempty"`
	Endpoint         string `yaml:"endpoint,omitempty"` // Ollama base URL
	Model            string `yaml:"model,omitempty"`
	TimeoutSeconds   int    `yaml:"timeoutSeconds,omitempty"`
	BreakerThreshold int    `yaml:"breakerThreshold,omitempty"`
	BreakerCooldownS int    `yaml:"breakerCooldownSeconds,omitempty"`
}

// RedisConfig enables the cross-process sync lock when URL is set.
type RedisConfig struct {
	URL        string `yaml:"url,omitempty"`
	Password   string `yaml:"password,omitempty"` // may be ${ENV_VAR}
	LockKey    string `yaml:"lockKey,omitempty"`
	LockTTLSec int    `yaml:"lockTtlSeconds,omitempty"`
}

// ServerConfig controls the HTTP listener of the serve command.
type ServerConfig struct {
	Listen         string   `yaml:"listen,omitempty"`
	Token          string   `yaml:"token,omitempty"` // bearer token for /api routes, may be ${ENV_VAR}
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// Options converts the section into logger options.
func (l LoggingConfig) Options() logging.Options {
	return logging.Options{Level: l.Level, ConsoleStyle: l.ConsoleStyle, File: l.File}
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// ExternalEnabled reports external.enabled.
func (c *Config) ExternalEnabled() bool { return deref(c.External.Enabled, true) }

// AutoSync reports sync.autoSync.
func (c *Config) AutoSync() bool { return deref(c.Sync.AutoSync, true) }

// CacheEnabled reports cache.enabled.
func (c *Config) CacheEnabled() bool { return deref(c.Cache.Enabled, true) }

// WriteThrough reports cache.writeThrough.
func (c *Config) WriteThrough() bool { return deref(c.Cache.WriteThrough, true) }

func (c *Config) ExternalTimeout() time.Duration { return ms(c.External.TimeoutMs) }
func (c *Config) HealthTimeout() time.Duration   { return ms(c.External.HealthTimeoutMs) }
func (c *Config) SyncInterval() time.Duration    { return ms(c.Sync.IntervalMs) }
func (c *Config) InitialDelay() time.Duration    { return ms(c.Sync.InitialDelayMs) }
func (c *Config) ItemDelay() time.Duration       { return ms(c.Sync.ItemDelayMs) }
func (c *Config) CacheTTL() time.Duration        { return sec(c.Cache.TTLSeconds) }
func (c *Config) RetryBaseDelay() time.Duration  { return ms(c.Retry.BaseDelayMs) }
func (c *Config) HealthWindow() time.Duration    { return sec(c.Health.WindowSeconds) }
func (c *Config) ChunkDelay() time.Duration      { return ms(c.Stream.ChunkDelayMs) }
func (c *Config) LocalAITimeout() time.Duration  { return sec(c.LocalAI.TimeoutSeconds) }
func (c *Config) BreakerCooldown() time.Duration { return sec(c.LocalAI.BreakerCooldownS) }
func (c *Config) LockTTL() time.Duration         { return sec(c.Redis.LockTTLSec) }

func deref(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func boolPtr(b bool) *bool { return &b }
