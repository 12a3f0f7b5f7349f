// Package fallback is the entry point callers use to read, write and invoke
// agents. It prefers the external service and degrades to the cache, the
// local store and a local model.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/cache"
	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/health"
	"github.com/soyeahso/unisync/internal/hooks"
	"github.com/soyeahso/unisync/internal/llm"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/metrics"
	"github.com/soyeahso/unisync/internal/retry"
)

var (
	// ErrNoService means neither the external service nor a local model
	// could answer.
	ErrNoService = errors.New("no available service")
	// ErrAgentNotFound means the agent is unknown to every source.
	ErrAgentNotFound = errors.New("agent not found")
)

// historyLimit bounds how many past messages are sent to the local model.
const historyLimit = 20

// AgentRepository is the local store for agents.
type AgentRepository interface {
	Get(ctx context.Context, id string) (*domain.Agent, error)
	Insert(ctx context.Context, a *domain.Agent) error
	Upsert(ctx context.Context, a *domain.Agent) error
	List(ctx context.Context, filter domain.AgentFilter) ([]*domain.Agent, error)
}

// MessageRepository keeps local conversation history.
type MessageRepository interface {
	Append(ctx context.Context, msg *domain.Message) error
	History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Remote is the subset of the external service the router calls.
type Remote interface {
	GetAgent(ctx context.Context, externalID string) (*domain.Agent, error)
	ListAgents(ctx context.Context, filter domain.AgentFilter) ([]*domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error)
	UpdateAgent(ctx context.Context, externalID string, a *domain.Agent) (*domain.Agent, error)
	Invoke(ctx context.Context, agentExternalID, message, conversationID string) (*domain.Message, error)
	InvokeStream(ctx context.Context, agentExternalID, message, conversationID string) (<-chan llm.StreamEvent, error)
}

// HealthChecker gates every external call.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Cache is the tiered read cache.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	InvalidateEntity(kind domain.Kind, id string)
	InvalidateList(kind domain.Kind)
}

// Emitter receives lifecycle events; *hooks.Manager implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, data map[string]any)
}

// Deps are the collaborators of a Router. Messages, LocalAI, Breaker and
// Events may be nil.
type Deps struct {
	Agents   AgentRepository
	Messages MessageRepository
	Remote   Remote
	Health   HealthChecker
	Cache    Cache
	LocalAI  llm.Client
	Breaker  *health.Breaker
	Events   Emitter
}

// Options configures a Router.
type Options struct {
	ExternalEnabled bool
	CacheEnabled    bool
	ChunkDelay      time.Duration // between synthesized stream chunks
	StreamStart     time.Duration // wait for the first external stream event, default 15s
	Retry           retry.Policy
	Now             func() time.Time
	Sleep           retry.SleepFunc
	NewID           func() string
}

// Router routes agent operations across the external service, the cache,
// the local store and the local model.
type Router struct {
	deps Deps
	opts Options
	log  *logging.Logger
}

// New creates a Router.
func New(deps Deps, opts Options, log *logging.Logger) *Router {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Retry.Sleep == nil {
		opts.Retry.Sleep = opts.Sleep
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.StreamStart <= 0 {
		opts.StreamStart = 15 * time.Second
	}
	return &Router{deps: deps, opts: opts, log: log.Sub("router")}
}

// WithRetry runs op under the router's retry policy. After the last failed
// attempt it logs the error and reports false instead of returning it.
func WithRetry[T any](ctx context.Context, r *Router, name string, op func(ctx context.Context) (T, error)) (T, bool) {
	v, err := retry.Value(ctx, r.opts.Retry, name, r.log, op)
	if err != nil {
		apierr.Log(r.log, apierr.Classify(err), name)
		var zero T
		return zero, false
	}
	return v, true
}

func (r *Router) externalUp(ctx context.Context) bool {
	return r.opts.ExternalEnabled && r.deps.Remote != nil && r.deps.Health.IsHealthy(ctx)
}

func (r *Router) cacheGet(ctx context.Context, key string) (any, bool) {
	if !r.opts.CacheEnabled || r.deps.Cache == nil {
		return nil, false
	}
	return r.deps.Cache.Get(ctx, key)
}

func (r *Router) cacheSet(ctx context.Context, key string, v any) {
	if r.opts.CacheEnabled && r.deps.Cache != nil {
		r.deps.Cache.Set(ctx, key, v, 0)
	}
}

// served counts where op was answered from and reports answers that did
// not come from the external service or the cache.
func (r *Router) served(ctx context.Context, op, source string) {
	metrics.RouterSource.WithLabelValues(op, source).Inc()
	switch source {
	case "cache", sourceExternal, "none":
		return
	}
	if r.deps.Events != nil {
		r.deps.Events.Emit(ctx, hooks.EventFallbackUsed, map[string]any{"op": op, "source": source})
	}
}

func (r *Router) invalidate(id string) {
	if r.deps.Cache == nil {
		return
	}
	r.deps.Cache.InvalidateEntity(domain.KindAgent, id)
}

// Get returns an agent from the cache, the external service or the local
// store, in that order. A missing agent is reported as false, not an error.
func (r *Router) Get(ctx context.Context, id string) (*domain.Agent, bool) {
	key := cache.EntityKey(domain.KindAgent, id)
	if v, ok := r.cacheGet(ctx, key); ok {
		if a, ok := v.(*domain.Agent); ok {
			r.served(ctx, "get", "cache")
			return a, true
		}
	}

	local, err := r.deps.Agents.Get(ctx, id)
	if err != nil {
		local = nil
	}

	if r.externalUp(ctx) && (local == nil || local.ExternalID != "") {
		extID := id
		if local != nil {
			extID = local.ExternalID
		}
		remote, ok := WithRetry(ctx, r, "get agent", func(ctx context.Context) (*domain.Agent, error) {
			return r.deps.Remote.GetAgent(ctx, extID)
		})
		if ok {
			a := r.reconcile(local, remote)
			r.cacheSet(ctx, key, a)
			r.served(ctx, "get", "external")
			return a, true
		}
	}

	if local != nil {
		r.cacheSet(ctx, key, local)
		r.served(ctx, "get", "local")
		return local, true
	}
	r.served(ctx, "get", "none")
	return nil, false
}

// reconcile merges a fetched remote agent with its local row. Local edits
// that are newer and not yet pushed win.
func (r *Router) reconcile(local, remote *domain.Agent) *domain.Agent {
	if local == nil {
		return remote
	}
	if local.Status.NeedsSync() && local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	merged := *remote
	merged.ID = local.ID
	merged.CreatedAt = local.CreatedAt
	if merged.UserID == "" {
		merged.UserID = local.UserID
	}
	merged.SyncState = local.SyncState
	merged.MarkSynced(local.ExternalID, r.opts.Now())
	return &merged
}

// List returns agents matching filter from the cache, the external service
// or the local store, in that order. Only a local store failure is an error.
func (r *Router) List(ctx context.Context, filter domain.AgentFilter) ([]*domain.Agent, error) {
	key := listKey(filter)
	if v, ok := r.cacheGet(ctx, key); ok {
		if agents, ok := v.([]*domain.Agent); ok {
			r.served(ctx, "list", "cache")
			return agents, nil
		}
	}

	if r.externalUp(ctx) {
		agents, ok := WithRetry(ctx, r, "list agents", func(ctx context.Context) ([]*domain.Agent, error) {
			return r.deps.Remote.ListAgents(ctx, filter)
		})
		if ok {
			r.cacheSet(ctx, key, agents)
			r.served(ctx, "list", "external")
			return agents, nil
		}
	}

	agents, err := r.deps.Agents.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing local agents: %w", err)
	}
	r.cacheSet(ctx, key, agents)
	r.served(ctx, "list", "local")
	return agents, nil
}

func listKey(f domain.AgentFilter) string {
	public := "any"
	if f.IsPublic != nil {
		public = strconv.FormatBool(*f.IsPublic)
	}
	return cache.ListKey(domain.KindAgent, f.UserID, public)
}

// Create stores a new agent. With the external service up it is created
// there first and mirrored locally as synced. Otherwise it is stored only
// locally as pending. An error means the agent was not stored anywhere.
func (r *Router) Create(ctx context.Context, in domain.AgentInput) (*domain.Agent, error) {
	now := r.opts.Now()
	local := domain.NewAgent(r.opts.NewID(), in, now)
	defer r.invalidate(local.ID)

	if r.externalUp(ctx) {
		remote, ok := WithRetry(ctx, r, "create agent", func(ctx context.Context) (*domain.Agent, error) {
			return r.deps.Remote.CreateAgent(ctx, local)
		})
		if ok && remote.ExternalID != "" {
			created := *remote
			created.ID = local.ID
			created.CreatedAt = local.CreatedAt
			created.UpdatedAt = now
			if created.UserID == "" {
				created.UserID = local.UserID
			}
			created.MarkSynced(remote.ExternalID, now)
			if err := r.deps.Agents.Upsert(ctx, &created); err != nil {
				// the external service has it; the engine never needs to push it
				r.log.Warn().Err(err).Str("agent", created.ID).Msg("failed to mirror created agent locally")
			}
			r.served(ctx, "create", "external")
			return &created, nil
		}
	}

	if err := r.deps.Agents.Insert(ctx, local); err != nil {
		return nil, fmt.Errorf("creating agent locally: %w", err)
	}
	r.served(ctx, "create", "local")
	r.log.Info().Str("agent", local.ID).Msg("agent created locally, pending sync")
	return local, nil
}

// Update applies patch to a local agent and pushes it when the external
// service is up and already knows the agent. Otherwise the agent is left
// pending for the sync engine.
func (r *Router) Update(ctx context.Context, id string, patch domain.AgentPatch) (*domain.Agent, error) {
	a, err := r.deps.Agents.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	defer r.invalidate(id)

	if !patch.Apply(a) {
		return a, nil
	}
	now := r.opts.Now()
	a.UpdatedAt = now

	source := "local"
	if a.ExternalID != "" && r.externalUp(ctx) {
		extID := a.ExternalID
		if _, ok := WithRetry(ctx, r, "update agent", func(ctx context.Context) (*domain.Agent, error) {
			return r.deps.Remote.UpdateAgent(ctx, extID, a)
		}); ok {
			a.MarkSynced(extID, now)
			source = "external"
		} else {
			a.MarkPending()
		}
	} else {
		a.MarkPending()
	}

	if err := r.deps.Agents.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("saving agent %s: %w", id, err)
	}
	r.served(ctx, "update", source)
	return a, nil
}
