// Package health gates calls to the external service on a memoized probe
// and provides an explicit circuit breaker for per-provider isolation.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/unisync/internal/hooks"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/metrics"
)

// MaxProbeTimeout caps how long a single probe may wait.
const MaxProbeTimeout = 5 * time.Second

// Prober issues one lightweight health request. Any error means unhealthy.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Emitter receives lifecycle events; *hooks.Manager implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, data map[string]any)
}

// Options configures a Monitor.
type Options struct {
	Enabled bool          // false means always unhealthy, without probing
	Window  time.Duration // how long a probe result is reused
	Timeout time.Duration // per-probe bound, at most MaxProbeTimeout
	Now     func() time.Time
	Events  Emitter // optional, told about healthy/unhealthy flips
}

// Snapshot is the last memoized probe result.
type Snapshot struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
	LastError string    `json:"lastError,omitempty"`
	Probes    int64     `json:"probes"`
}

// Monitor memoizes the external service's health for a fixed window.
// Concurrent callers after expiry may each probe; the lock guards state only.
type Monitor struct {
	prober Prober
	opts   Options
	log    *logging.Logger

	mu        sync.RWMutex
	healthy   bool
	checkedAt time.Time
	lastErr   string
	probes    int64
}

// NewMonitor creates a Monitor. Zero Window means 30s; zero Timeout means
// MaxProbeTimeout.
func NewMonitor(prober Prober, opts Options, log *logging.Logger) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Timeout <= 0 || opts.Timeout > MaxProbeTimeout {
		opts.Timeout = MaxProbeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{prober: prober, opts: opts, log: log.Sub("health")}
}

// IsHealthy returns the memoized result, probing when the window expired.
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	if !m.opts.Enabled || m.prober == nil {
		return false
	}

	now := m.opts.Now()
	m.mu.RLock()
	fresh := !m.checkedAt.IsZero() && now.Sub(m.checkedAt) < m.opts.Window
	healthy := m.healthy
	m.mu.RUnlock()
	if fresh {
		return healthy
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	healthy = err == nil
	m.mu.Lock()
	prev := m.healthy
	first := m.checkedAt.IsZero()
	m.healthy = healthy
	m.checkedAt = m.opts.Now()
	m.probes++
	if err != nil {
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()

	if healthy {
		metrics.HealthProbes.WithLabelValues("healthy").Inc()
		metrics.ExternalHealthy.Set(1)
	} else {
		metrics.HealthProbes.WithLabelValues("unhealthy").Inc()
		metrics.ExternalHealthy.Set(0)
	}

	switch {
	case first || prev != healthy:
		ev := m.log.Info()
		if !healthy {
			ev = m.log.Warn().Err(err)
		}
		ev.Bool("healthy", healthy).Msg("external service health changed")
		if !first && m.opts.Events != nil {
			data := map[string]any{"healthy": healthy}
			if err != nil {
				data["error"] = err.Error()
			}
			m.opts.Events.Emit(ctx, hooks.EventHealthChanged, data)
		}
	default:
		m.log.Debug().Bool("healthy", healthy).Msg("external service probed")
	}
	return healthy
}

// Snapshot returns the last probe result without probing.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Healthy: m.healthy, CheckedAt: m.checkedAt, LastError: m.lastErr, Probes: m.probes}
}

// Reset forgets the memoized result so the next call probes.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.checkedAt = time.Time{}
	m.mu.Unlock()
}

// Enabled reports whether the external service is switched on.
func (m *Monitor) Enabled() bool { return m.opts.Enabled }
