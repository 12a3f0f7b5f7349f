// Package app constructs every unisync component once from a validated
// configuration and tears them down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/cache"
	"github.com/soyeahso/unisync/internal/config"
	"github.com/soyeahso/unisync/internal/fallback"
	"github.com/soyeahso/unisync/internal/health"
	"github.com/soyeahso/unisync/internal/hooks"
	"github.com/soyeahso/unisync/internal/llm"
	"github.com/soyeahso/unisync/internal/lock"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/remote"
	"github.com/soyeahso/unisync/internal/retry"
	"github.com/soyeahso/unisync/internal/store"
	"github.com/soyeahso/unisync/internal/syncer"
)

// App holds the wired components.
type App struct {
	Config        config.Config
	DB            *store.DB
	Agents        *store.AgentStore
	Conversations *store.ConversationStore
	Messages      *store.MessageStore
	Cache         *cache.Cache
	Remote        *remote.Client
	Health        *health.Monitor
	LocalAI       llm.Client // nil unless localAI.enabled
	Lock          *lock.RedisLock
	Engine        *syncer.Engine
	Router        *fallback.Router
	Events        *hooks.Manager

	log *logging.Logger
	// bg bounds work started by event handlers; Close cancels it
	bg   context.Context
	stop context.CancelFunc
}

// New validates cfg and builds the components. cfg.Store.Path must be set.
func New(cfg config.Config, log *logging.Logger) (*App, error) {
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return nil, &config.ConfigError{Message: fmt.Sprintf("validation failed with %d issue(s)", len(issues))}
	}
	if cfg.Store.Path == "" {
		return nil, &config.ConfigError{Message: "store.path is not set"}
	}

	a := &App{Config: cfg, log: log, Events: hooks.NewManager(log)}
	a.bg, a.stop = context.WithCancel(context.Background())

	db, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		a.stop()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.DB = db
	a.Agents = store.NewAgentStore(db)
	a.Conversations = store.NewConversationStore(db)
	a.Messages = store.NewMessageStore(db)

	a.Cache = cache.New(cache.Options{
		TTL:          cfg.CacheTTL(),
		WriteThrough: cfg.WriteThrough(),
		Backend:      &store.CacheBackend{Agents: a.Agents, Conversations: a.Conversations},
	}, log)

	var tokens oauth2.TokenSource
	if cfg.External.Token != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.External.Token, TokenType: "Bearer"})
	}
	a.Remote = remote.New(remote.Options{
		BaseURL:       cfg.External.BaseURL,
		Enabled:       cfg.ExternalEnabled(),
		Timeout:       cfg.ExternalTimeout(),
		HealthTimeout: cfg.HealthTimeout(),
		TokenSource:   tokens,
	}, log)

	a.Health = health.NewMonitor(a.Remote, health.Options{
		Enabled: cfg.ExternalEnabled(),
		Window:  cfg.HealthWindow(),
		Timeout: cfg.HealthTimeout(),
		Events:  a.Events,
	}, log)

	var breaker *health.Breaker
	if cfg.LocalAI.Enabled {
		a.LocalAI = llm.NewOllamaAPIClient(cfg.LocalAI.Endpoint, cfg.LocalAI.Model, cfg.LocalAITimeout())
		breaker = health.NewBreaker("ollama", cfg.LocalAI.BreakerThreshold, cfg.BreakerCooldown(), nil)
	}

	// a plain nil pointer in the interface would not read as "no lock"
	var batchLock syncer.Lock
	if cfg.Redis.URL != "" {
		l, err := lock.NewRedisLock(lock.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			Key:      cfg.Redis.LockKey,
			TTL:      cfg.LockTTL(),
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, batch sync guarded in-process only")
		} else {
			a.Lock = l
			batchLock = l
		}
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.Attempts,
		Backoff:     apierr.WithBase(cfg.RetryBaseDelay()),
	}

	a.Engine = syncer.New(syncer.Deps{
		Agents:        a.Agents,
		Conversations: a.Conversations,
		Remote:        a.Remote,
		Health:        a.Health,
		Cache:         a.Cache,
		Lock:          batchLock,
		Events:        a.Events,
	}, syncer.Options{
		ExternalEnabled: cfg.ExternalEnabled(),
		AutoSync:        cfg.AutoSync(),
		Interval:        cfg.SyncInterval(),
		InitialDelay:    cfg.InitialDelay(),
		ItemDelay:       cfg.ItemDelay(),
		Retry:           policy,
	}, log)

	a.Router = fallback.New(fallback.Deps{
		Agents:   a.Agents,
		Messages: a.Messages,
		Remote:   a.Remote,
		Health:   a.Health,
		Cache:    a.Cache,
		LocalAI:  a.LocalAI,
		Breaker:  breaker,
		Events:   a.Events,
	}, fallback.Options{
		ExternalEnabled: cfg.ExternalEnabled(),
		CacheEnabled:    cfg.CacheEnabled(),
		ChunkDelay:      cfg.ChunkDelay(),
		StreamStart:     cfg.ExternalTimeout(),
		Retry:           policy,
	}, log)

	if cfg.AutoSync() {
		a.Events.On(hooks.EventHealthChanged, "sync-on-recovery", a.syncOnRecovery)
	}

	log.Debug().
		Bool("external", cfg.ExternalEnabled()).
		Bool("autoSync", cfg.AutoSync()).
		Bool("localAI", cfg.LocalAI.Enabled).
		Bool("redisLock", a.Lock != nil).
		Msg("components wired")
	return a, nil
}

// syncOnRecovery starts a batch as soon as the external service is back,
// instead of waiting for the next scheduled tick.
func (a *App) syncOnRecovery(_ context.Context, p hooks.Payload) error {
	if up, _ := p.Data["healthy"].(bool); !up {
		return nil
	}
	a.log.Info().Msg("external service recovered, syncing pending records")
	a.Engine.Trigger(a.bg, "recovered")
	return nil
}

// Close stops handler-started syncs, then releases the lock connection and
// the database.
func (a *App) Close() error {
	a.stop()
	a.Engine.Close()

	var errs []error
	if a.Lock != nil {
		errs = append(errs, a.Lock.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
