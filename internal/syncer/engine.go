// Package syncer reconciles local records with the external service, one
// entity at a time or in guarded batches.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/hooks"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/metrics"
	"github.com/soyeahso/unisync/internal/retry"
)

var (
	// ErrSyncInProgress is reported when a batch, or a sync of the same
	// record, is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrUnhealthy is reported when the health gate refuses a sync.
	ErrUnhealthy = errors.New("external service is not healthy")
)

const disabledMessage = "external service is disabled"

// AgentRepository is the local store for agents.
type AgentRepository interface {
	Get(ctx context.Context, id string) (*domain.Agent, error)
	Upsert(ctx context.Context, a *domain.Agent) error
	UpdateSyncState(ctx context.Context, id string, st domain.SyncState) error
	ListNeedingSync(ctx context.Context) ([]*domain.Agent, error)
	CountPending(ctx context.Context) (int, error)
	CountErrors(ctx context.Context) (int, error)
}

// ConversationRepository is the local store for conversations.
type ConversationRepository interface {
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	UpdateSyncState(ctx context.Context, id string, st domain.SyncState) error
	ListNeedingSync(ctx context.Context) ([]*domain.Conversation, error)
	CountPending(ctx context.Context) (int, error)
}

// Remote is the subset of the external service the engine calls.
type Remote interface {
	CreateAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error)
	UpdateAgent(ctx context.Context, externalID string, a *domain.Agent) (*domain.Agent, error)
	GetAgent(ctx context.Context, externalID string) (*domain.Agent, error)
	CreateConversation(ctx context.Context, c *domain.Conversation, agentExternalID string) (*domain.Conversation, error)
}

// HealthChecker gates every sync.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Invalidator drops cached copies of synced records.
type Invalidator interface {
	InvalidateEntity(kind domain.Kind, id string)
	InvalidateList(kind domain.Kind)
}

// Lock is an optional cross-process guard for batch runs.
type Lock interface {
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// Emitter receives lifecycle events; *hooks.Manager implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, data map[string]any)
}

// Options configures an Engine.
type Options struct {
	ExternalEnabled bool
	AutoSync        bool
	Interval        time.Duration // between scheduled batches
	InitialDelay    time.Duration // before the first scheduled batch
	ItemDelay       time.Duration // between entities in a batch
	Retry           retry.Policy
	Now             func() time.Time
	Sleep           retry.SleepFunc
}

// Deps are the collaborators of an Engine. Cache, Lock and Events may be nil.
type Deps struct {
	Agents        AgentRepository
	Conversations ConversationRepository
	Remote        Remote
	Health        HealthChecker
	Cache         Invalidator
	Lock          Lock
	Events        Emitter
}

// Result is the outcome of one entity sync. Error is empty on success.
type Result struct {
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Direction domain.Direction `json:"syncDirection,omitempty"`
}

// BatchResult is the outcome of a batch run.
type BatchResult struct {
	Success     bool     `json:"success"`
	SyncedCount int      `json:"syncedCount"`
	FailedCount int      `json:"failedCount"`
	Errors      []string `json:"errors"`
}

// HealthReport is the backlog summary returned by CheckSyncHealth.
type HealthReport struct {
	Healthy              bool `json:"healthy"`
	PendingAgents        int  `json:"pendingAgents"`
	PendingConversations int  `json:"pendingConversations"`
	ErrorCount           int  `json:"lastSyncErrors"`
}

// Engine reconciles local agents and conversations with the external service.
type Engine struct {
	deps Deps
	opts Options
	log  *logging.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{} // kind:id of records being synced
}

// New creates an Engine.
func New(deps Deps, opts Options, log *logging.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
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
	return &Engine{deps: deps, opts: opts, log: log.Sub("sync"), inflight: map[string]struct{}{}}
}

// claim marks a record as being synced. It reports false when another call
// already holds it; otherwise the returned func releases it.
func (e *Engine) claim(kind domain.Kind, id string) (func(), bool) {
	key := string(kind) + ":" + id
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return nil, false
	}
	e.inflight[key] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}, true
}

// Running reports whether a batch is in progress in this process.
func (e *Engine) Running() bool { return e.running.Load() }

// SyncEntity reconciles one agent in the given direction. Failures are
// recorded on the agent and returned in the Result, never as an error.
func (e *Engine) SyncEntity(ctx context.Context, id string, dir domain.Direction) Result {
	if dir == "" {
		dir = domain.DirectionBoth
	}
	res := Result{Direction: dir}
	log := e.log.With("agent", id)

	release, ok := e.claim(domain.KindAgent, id)
	if !ok {
		res.Error = ErrSyncInProgress.Error()
		metrics.SyncOperations.WithLabelValues(string(domain.KindAgent), string(dir), "in_progress").Inc()
		return res
	}
	defer release()

	if !e.opts.ExternalEnabled {
		res.Error = disabledMessage
		e.recordAgent(ctx, id, func(st *domain.SyncState, now time.Time) {
			st.MarkFailed(disabledMessage, now)
		})
		metrics.SyncOperations.WithLabelValues(string(domain.KindAgent), string(dir), "disabled").Inc()
		e.emitResult(ctx, domain.KindAgent, id, res)
		return res
	}
	if !e.deps.Health.IsHealthy(ctx) {
		res.Error = ErrUnhealthy.Error()
		metrics.SyncOperations.WithLabelValues(string(domain.KindAgent), string(dir), "unhealthy").Inc()
		return res
	}

	var createdID string
	var err error
	if dir.Pushes() {
		createdID, err = e.push(ctx, id)
	}
	if err == nil && dir.Pulls() {
		err = e.pull(ctx, id)
	}
	e.invalidate(domain.KindAgent, id)

	if err != nil {
		res.Error = err.Error()
		e.recordAgent(ctx, id, func(st *domain.SyncState, now time.Time) {
			if createdID != "" {
				st.ExternalID = createdID
			}
			st.MarkFailed(res.Error, now)
		})
		apierr.Log(log, apierr.Classify(err), "sync "+string(dir))
		metrics.SyncOperations.WithLabelValues(string(domain.KindAgent), string(dir), "error").Inc()
		e.emitResult(ctx, domain.KindAgent, id, res)
		return res
	}

	e.recordAgent(ctx, id, func(st *domain.SyncState, now time.Time) {
		if st.ExternalID == "" {
			// pulled nothing and never pushed
			st.LastSyncAttempt = &now
			return
		}
		st.MarkSynced("", now)
	})
	log.Debug().Str("direction", string(dir)).Msg("agent synced")
	metrics.SyncOperations.WithLabelValues(string(domain.KindAgent), string(dir), "ok").Inc()
	res.Success = true
	e.emitResult(ctx, domain.KindAgent, id, res)
	return res
}

// push creates or updates the remote agent. It returns the external id of
// a record it created, even when a later step failed, so that the caller
// never loses track of it.
func (e *Engine) push(ctx context.Context, id string) (string, error) {
	var created string
	err := e.opts.Retry.Do(ctx, "push agent", e.log, func(ctx context.Context) error {
		a, err := e.deps.Agents.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("loading local agent %s: %w", id, err)
		}
		extID := a.ExternalID
		if extID == "" {
			extID = created
		}

		if extID == "" {
			remote, err := e.deps.Remote.CreateAgent(ctx, a)
			if err != nil {
				return err
			}
			if remote.ExternalID == "" {
				return fmt.Errorf("external service returned no id for agent %s", id)
			}
			created, extID = remote.ExternalID, remote.ExternalID
		} else if _, err := e.deps.Remote.UpdateAgent(ctx, extID, a); err != nil {
			return err
		}

		a.MarkSynced(extID, e.opts.Now())
		if err := e.deps.Agents.UpdateSyncState(ctx, id, a.SyncState); err != nil {
			return fmt.Errorf("saving external id for agent %s: %w", id, err)
		}
		return nil
	})
	return created, err
}

// pull overwrites the local agent with the remote one. Local identity and
// sync bookkeeping are kept. Agents without an external id are left alone.
func (e *Engine) pull(ctx context.Context, id string) error {
	return e.opts.Retry.Do(ctx, "pull agent", e.log, func(ctx context.Context) error {
		local, err := e.deps.Agents.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("loading local agent %s: %w", id, err)
		}
		if local.ExternalID == "" {
			return nil
		}

		remote, err := e.deps.Remote.GetAgent(ctx, local.ExternalID)
		if err != nil {
			return err
		}

		merged := *remote
		merged.ID = local.ID
		merged.CreatedAt = local.CreatedAt
		if merged.UserID == "" {
			merged.UserID = local.UserID
		}
		merged.SyncState = local.SyncState
		merged.MarkSynced(local.ExternalID, e.opts.Now())
		if err := e.deps.Agents.Upsert(ctx, &merged); err != nil {
			return fmt.Errorf("saving pulled agent %s: %w", id, err)
		}
		return nil
	})
}

// SyncConversation creates a pending conversation remotely. Conversations
// are create-only. A failure keeps the conversation pending with the error
// message so the next SyncAll retries it.
func (e *Engine) SyncConversation(ctx context.Context, id string) Result {
	res := Result{Direction: domain.DirectionPush}
	release, ok := e.claim(domain.KindConversation, id)
	if !ok {
		res.Error = ErrSyncInProgress.Error()
		metrics.SyncOperations.WithLabelValues(string(domain.KindConversation), "push", "in_progress").Inc()
		return res
	}
	defer release()

	if !e.opts.ExternalEnabled {
		res.Error = disabledMessage
		return res
	}
	if !e.deps.Health.IsHealthy(ctx) {
		res.Error = ErrUnhealthy.Error()
		return res
	}

	conv, err := e.deps.Conversations.Get(ctx, id)
	if err != nil {
		res.Error = fmt.Sprintf("loading local conversation %s: %v", id, err)
		return res
	}

	now := e.opts.Now()
	if conv.ExternalID != "" {
		conv.MarkSynced("", now)
		if err := e.deps.Conversations.UpdateSyncState(ctx, id, conv.SyncState); err != nil {
			res.Error = err.Error()
			return res
		}
		res.Success = true
		return res
	}

	agentExtID, err := e.agentExternalID(ctx, conv.AgentID)
	if err == nil {
		var remote *domain.Conversation
		remote, err = retry.Value(ctx, e.opts.Retry, "push conversation", e.log,
			func(ctx context.Context) (*domain.Conversation, error) {
				return e.deps.Remote.CreateConversation(ctx, conv, agentExtID)
			})
		if err == nil {
			conv.MarkSynced(remote.ExternalID, e.opts.Now())
		}
	}
	if err != nil {
		res.Error = err.Error()
		conv.SyncError = res.Error
		conv.LastSyncAttempt = &now
		metrics.SyncOperations.WithLabelValues(string(domain.KindConversation), "push", "error").Inc()
	} else {
		res.Success = true
		metrics.SyncOperations.WithLabelValues(string(domain.KindConversation), "push", "ok").Inc()
	}

	if uerr := e.deps.Conversations.UpdateSyncState(ctx, id, conv.SyncState); uerr != nil {
		e.log.Error().Err(uerr).Str("conversation", id).Msg("failed to record sync state")
	}
	e.invalidate(domain.KindConversation, id)
	e.emitResult(ctx, domain.KindConversation, id, res)
	return res
}

func (e *Engine) agentExternalID(ctx context.Context, agentID string) (string, error) {
	a, err := e.deps.Agents.Get(ctx, agentID)
	if err != nil {
		// not a local agent; assume the id is already remote
		return agentID, nil
	}
	if a.ExternalID == "" {
		return "", fmt.Errorf("agent %s has not been synced yet", agentID)
	}
	return a.ExternalID, nil
}

// recordAgent reloads the agent's sync state, applies fn, and saves it.
// Missing agents are ignored.
func (e *Engine) recordAgent(ctx context.Context, id string, fn func(st *domain.SyncState, now time.Time)) {
	a, err := e.deps.Agents.Get(ctx, id)
	if err != nil {
		e.log.Debug().Err(err).Str("agent", id).Msg("no local agent to record sync state on")
		return
	}
	st := a.SyncState
	fn(&st, e.opts.Now())
	if err := e.deps.Agents.UpdateSyncState(ctx, id, st); err != nil {
		e.log.Error().Err(err).Str("agent", id).Msg("failed to record sync state")
	}
}

func (e *Engine) invalidate(kind domain.Kind, id string) {
	if e.deps.Cache == nil {
		return
	}
	e.deps.Cache.InvalidateEntity(kind, id)
	e.deps.Cache.InvalidateList(kind)
}

func (e *Engine) emitResult(ctx context.Context, kind domain.Kind, id string, res Result) {
	if e.deps.Events == nil {
		return
	}
	data := map[string]any{"kind": string(kind), "id": id, "direction": string(res.Direction)}
	if res.Success {
		e.deps.Events.Emit(ctx, hooks.EventEntitySynced, data)
		return
	}
	data["error"] = res.Error
	e.deps.Events.Emit(ctx, hooks.EventEntitySyncFailed, data)
}
