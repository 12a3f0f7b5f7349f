package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so tokens and passwords can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.External.Token = expandEnvVars(cfg.External.Token)
	cfg.Redis.Password = expandEnvVars(cfg.Redis.Password)
	cfg.Server.Token = expandEnvVars(cfg.Server.Token)
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return &ConfigError{Message: "failed to load " + path + ": " + err.Error()}
	}
	return nil
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			expandSensitiveFields(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults. Explicit
// negative numbers are kept so Validate can report them.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.External.Enabled == nil {
		cfg.External.Enabled = d.External.Enabled
	}
	defInt(&cfg.External.TimeoutMs, d.External.TimeoutMs)
	defInt(&cfg.External.HealthTimeoutMs, d.External.HealthTimeoutMs)

	if cfg.Sync.AutoSync == nil {
		cfg.Sync.AutoSync = d.Sync.AutoSync
	}
	defInt(&cfg.Sync.IntervalMs, d.Sync.IntervalMs)
	defInt(&cfg.Sync.InitialDelayMs, d.Sync.InitialDelayMs)
	defInt(&cfg.Sync.ItemDelayMs, d.Sync.ItemDelayMs)

	if cfg.Cache.Enabled == nil {
		cfg.Cache.Enabled = d.Cache.Enabled
	}
	if cfg.Cache.WriteThrough == nil {
		cfg.Cache.WriteThrough = d.Cache.WriteThrough
	}
	defInt(&cfg.Cache.TTLSeconds, d.Cache.TTLSeconds)

	defInt(&cfg.Retry.Attempts, d.Retry.Attempts)
	defInt(&cfg.Retry.BaseDelayMs, d.Retry.BaseDelayMs)
	defInt(&cfg.Health.WindowSeconds, d.Health.WindowSeconds)
	defInt(&cfg.Stream.ChunkDelayMs, d.Stream.ChunkDelayMs)

	if cfg.LocalAI.Endpoint == "" {
		cfg.LocalAI.Endpoint = d.LocalAI.Endpoint
	}
	if cfg.LocalAI.Model == "" {
		cfg.LocalAI.Model = d.LocalAI.Model
	}
	defInt(&cfg.LocalAI.TimeoutSeconds, d.LocalAI.TimeoutSeconds)
	defInt(&cfg.LocalAI.BreakerThreshold, d.LocalAI.BreakerThreshold)
	defInt(&cfg.LocalAI.BreakerCooldownS, d.LocalAI.BreakerCooldownS)

	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = d.Redis.LockKey
	}
	defInt(&cfg.Redis.LockTTLSec, d.Redis.LockTTLSec)

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = d.Server.Listen
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
}

func defInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// applyEnvOverrides reads UNISYNC_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	envBool("UNISYNC_EXTERNAL_ENABLED", &cfg.External.Enabled)
	if v := os.Getenv("UNISYNC_EXTERNAL_URL"); v != "" {
		cfg.External.BaseURL = v
	}
	if v := os.Getenv("UNISYNC_EXTERNAL_TOKEN"); v != "" {
		cfg.External.Token = v
	}
	envBool("UNISYNC_AUTO_SYNC", &cfg.Sync.AutoSync)
	envInt("UNISYNC_SYNC_INTERVAL_MS", &cfg.Sync.IntervalMs)
	envBool("UNISYNC_CACHE_ENABLED", &cfg.Cache.Enabled)
	envInt("UNISYNC_CACHE_TTL_SECONDS", &cfg.Cache.TTLSeconds)
	envInt("UNISYNC_RETRY_ATTEMPTS", &cfg.Retry.Attempts)
	envInt("UNISYNC_RETRY_BASE_DELAY_MS", &cfg.Retry.BaseDelayMs)
	envInt("UNISYNC_HEALTH_WINDOW_SECONDS", &cfg.Health.WindowSeconds)
	if v := os.Getenv("UNISYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("UNISYNC_LOCAL_AI"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LocalAI.Enabled = b
		}
	}
	if v := os.Getenv("UNISYNC_OLLAMA_URL"); v != "" {
		cfg.LocalAI.Endpoint = v
	}
	if v := os.Getenv("UNISYNC_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("UNISYNC_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("UNISYNC_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("UNISYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst **bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = &b
		}
	}
}
