package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	positive := func(path string, v int) {
		if v <= 0 {
			issues = append(issues, ValidationIssue{
				Path:    path,
				Message: fmt.Sprintf("must be greater than 0, got %d", v),
			})
		}
	}

	// External service
	if cfg.ExternalEnabled() {
		if cfg.External.BaseURL == "" {
			issues = append(issues, ValidationIssue{
				Path:    "external.baseUrl",
				Message: "required when external.enabled is true",
			})
		} else if u, err := url.Parse(cfg.External.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, ValidationIssue{
				Path:    "external.baseUrl",
				Message: fmt.Sprintf("must be an absolute URL, got %q", cfg.External.BaseURL),
			})
		}
	}
	positive("external.timeoutMs", cfg.External.TimeoutMs)
	positive("external.healthTimeoutMs", cfg.External.HealthTimeoutMs)

	// Sync, cache and retry
	positive("sync.intervalMs", cfg.Sync.IntervalMs)
	if cfg.Sync.InitialDelayMs < 0 {
		issues = append(issues, ValidationIssue{Path: "sync.initialDelayMs", Message: "must not be negative"})
	}
	if cfg.Sync.ItemDelayMs < 0 {
		issues = append(issues, ValidationIssue{Path: "sync.itemDelayMs", Message: "must not be negative"})
	}
	positive("cache.ttlSeconds", cfg.Cache.TTLSeconds)
	positive("retry.attempts", cfg.Retry.Attempts)
	positive("retry.baseDelayMs", cfg.Retry.BaseDelayMs)
	if cfg.Stream.ChunkDelayMs < 0 {
		issues = append(issues, ValidationIssue{Path: "stream.chunkDelayMs", Message: "must not be negative"})
	}

	if w := cfg.Health.WindowSeconds; w < 1 || w > 3600 {
		issues = append(issues, ValidationIssue{
			Path:    "health.windowSeconds",
			Message: fmt.Sprintf("must be 1-3600, got %d", w),
		})
	}

	if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		issues = append(issues, ValidationIssue{
			Path:    "server.listen",
			Message: fmt.Sprintf("must be host:port, got %q", cfg.Server.Listen),
		})
	}

	// Local AI (only if enabled)
	if cfg.LocalAI.Enabled {
		if u, err := url.Parse(cfg.LocalAI.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, ValidationIssue{
				Path:    "localAI.endpoint",
				Message: fmt.Sprintf("must be an absolute URL, got %q", cfg.LocalAI.Endpoint),
			})
		}
		if cfg.LocalAI.Model == "" {
			issues = append(issues, ValidationIssue{
				Path:    "localAI.model",
				Message: "required when localAI.enabled is true",
			})
		}
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	return issues
}
