package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		External: ExternalConfig{
			Enabled:         boolPtr(true),
			TimeoutMs:       15000,
			HealthTimeoutMs: 5000,
		},
		Sync: SyncConfig{
			AutoSync:       boolPtr(true),
			IntervalMs:     60000,
			InitialDelayMs: 5000,
			ItemDelayMs:    500,
		},
		Cache: CacheConfig{
			Enabled:      boolPtr(true),
			TTLSeconds:   300,
			WriteThrough: boolPtr(true),
		},
		Retry: RetryConfig{
			Attempts:    3,
			BaseDelayMs: 1000,
		},
		Health: HealthConfig{
			WindowSeconds: 30,
		},
		Stream: StreamConfig{
			ChunkDelayMs: 30,
		},
		LocalAI: LocalAIConfig{
			Endpoint:         "http://localhost:11434",
			Model:            "llama3.2",
			TimeoutSeconds:   120,
			BreakerThreshold: 5,
			BreakerCooldownS: 30,
		},
		Redis: RedisConfig{
			LockKey:    "unisync:sync:batch",
			LockTTLSec: 600,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:18790",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}
