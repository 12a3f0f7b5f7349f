package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/hooks"
	"github.com/soyeahso/unisync/internal/metrics"
)

// SyncPendingEntities pushes and pulls every agent that is pending, unset
// or in error, one at a time. A second call while one is running returns
// immediately with ErrSyncInProgress in Errors.
func (e *Engine) SyncPendingEntities(ctx context.Context) BatchResult {
	return e.guarded(ctx, false)
}

// SyncAll is SyncPendingEntities followed by every pending conversation,
// under the same guard.
func (e *Engine) SyncAll(ctx context.Context) BatchResult {
	return e.guarded(ctx, true)
}

func (e *Engine) guarded(ctx context.Context, conversations bool) BatchResult {
	if !e.running.CompareAndSwap(false, true) {
		metrics.SyncSkipped.WithLabelValues("in_progress").Inc()
		return failed(ErrSyncInProgress.Error())
	}
	defer e.running.Store(false)

	if e.deps.Lock != nil {
		token, ok, err := e.deps.Lock.Acquire(ctx)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Msg("distributed sync lock unavailable, continuing with local guard only")
		case !ok:
			metrics.SyncSkipped.WithLabelValues("locked").Inc()
			return failed(ErrSyncInProgress.Error())
		default:
			defer func() {
				// release even if ctx was cancelled
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := e.deps.Lock.Release(rctx, token); err != nil {
					e.log.Warn().Err(err).Msg("failed to release sync lock")
				}
			}()
		}
	}

	start := time.Now()
	res := e.runBatch(ctx, conversations)
	result := "ok"
	if !res.Success {
		result = "error"
	}
	metrics.SyncBatchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return res
}

func (e *Engine) runBatch(ctx context.Context, conversations bool) BatchResult {
	if !e.opts.ExternalEnabled {
		metrics.SyncSkipped.WithLabelValues("disabled").Inc()
		return failed(disabledMessage)
	}
	if !e.deps.Health.IsHealthy(ctx) {
		metrics.SyncSkipped.WithLabelValues("unhealthy").Inc()
		return failed(ErrUnhealthy.Error())
	}

	agents, err := e.deps.Agents.ListNeedingSync(ctx)
	if err != nil {
		return failed(fmt.Sprintf("listing pending agents: %v", err))
	}
	e.log.Info().Int("agents", len(agents)).Msg("starting batch sync")

	res := BatchResult{Errors: []string{}}
	processed := 0
	step := func(kind domain.Kind, id string, r Result) {
		if r.Success {
			res.SyncedCount++
		} else {
			res.FailedCount++
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %s", kind, id, r.Error))
		}
	}
	pause := func() bool {
		if processed > 0 && e.opts.ItemDelay > 0 {
			if err := e.opts.Sleep(ctx, e.opts.ItemDelay); err != nil {
				return false
			}
		}
		processed++
		return ctx.Err() == nil
	}

	for _, a := range agents {
		if !pause() {
			res.Errors = append(res.Errors, "batch cancelled: "+context.Cause(ctx).Error())
			return finish(res)
		}
		step(domain.KindAgent, a.ID, e.SyncEntity(ctx, a.ID, domain.DirectionBoth))
	}

	if conversations && e.deps.Conversations != nil {
		convs, err := e.deps.Conversations.ListNeedingSync(ctx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("listing pending conversations: %v", err))
			res.FailedCount++
			return finish(res)
		}
		for _, c := range convs {
			if !pause() {
				res.Errors = append(res.Errors, "batch cancelled: "+context.Cause(ctx).Error())
				return finish(res)
			}
			step(domain.KindConversation, c.ID, e.SyncConversation(ctx, c.ID))
		}
	}

	return finish(res)
}

func finish(res BatchResult) BatchResult {
	res.Success = res.FailedCount == 0 && len(res.Errors) == 0
	return res
}

func failed(msg string) BatchResult {
	return BatchResult{Errors: []string{msg}}
}

// StartAutoSync runs a batch after InitialDelay and then every Interval
// until ctx is done. Each tick starts its own run, so a slow run makes the
// next tick skip on the single-flight guard. The returned channel closes
// once the scheduler and every run it started have stopped. With auto-sync
// disabled the channel is already closed.
func (e *Engine) StartAutoSync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if !e.opts.AutoSync {
		e.log.Info().Msg("auto sync is disabled")
		close(done)
		return done
	}

	e.log.Info().Dur("interval", e.opts.Interval).Dur("initialDelay", e.opts.InitialDelay).Msg("starting auto sync")
	go func() {
		defer close(done)
		// only this goroutine adds to runs, so waiting on it cannot race an Add
		var runs sync.WaitGroup
		defer runs.Wait()

		if err := e.opts.Sleep(ctx, e.opts.InitialDelay); err != nil {
			return
		}
		e.tick(ctx, "initial", &runs)

		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx, "scheduled", &runs)
			}
		}
	}()
	return done
}

// Trigger starts an unscheduled batch in the background, for example when
// the external service comes back. It is skipped like any other run when a
// batch is already in progress, and dropped once Close was called.
func (e *Engine) Trigger(ctx context.Context, reason string) {
	e.tick(ctx, reason, nil)
}

// Close stops the engine from starting new background batches and blocks
// until every batch started by StartAutoSync or Trigger returned. Callers
// cancel the contexts those batches run under first. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

// tick starts one background batch. runs, when set, is also told about it.
func (e *Engine) tick(ctx context.Context, trigger string, runs *sync.WaitGroup) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Debug().Str("trigger", trigger).Msg("engine closed, batch not started")
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	if runs != nil {
		runs.Add(1)
	}

	go func() {
		defer e.wg.Done()
		if runs != nil {
			defer runs.Done()
		}
		res := e.SyncPendingEntities(ctx)
		if e.deps.Events != nil {
			e.deps.Events.Emit(ctx, hooks.EventBatchCompleted, map[string]any{
				"trigger": trigger,
				"synced":  res.SyncedCount,
				"failed":  res.FailedCount,
				"success": res.Success,
			})
		}
		switch {
		case res.FailedCount > 0:
			e.log.Warn().Str("trigger", trigger).Int("failed", res.FailedCount).
				Int("synced", res.SyncedCount).Strs("errors", res.Errors).Msg("sync completed with failures")
		case !res.Success:
			e.log.Debug().Str("trigger", trigger).Strs("errors", res.Errors).Msg("sync skipped")
		case res.SyncedCount > 0:
			e.log.Info().Str("trigger", trigger).Int("synced", res.SyncedCount).Msg("sync completed")
		}
	}()
}

// CheckSyncHealth counts the sync backlog. It is healthy when no agent is
// in the error state.
func (e *Engine) CheckSyncHealth(ctx context.Context) (HealthReport, error) {
	var rep HealthReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.deps.Agents.CountPending(gctx)
		rep.PendingAgents = n
		return err
	})
	g.Go(func() error {
		if e.deps.Conversations == nil {
			return nil
		}
		n, err := e.deps.Conversations.CountPending(gctx)
		rep.PendingConversations = n
		return err
	})
	g.Go(func() error {
		n, err := e.deps.Agents.CountErrors(gctx)
		rep.ErrorCount = n
		return err
	})
	if err := g.Wait(); err != nil {
		return HealthReport{}, fmt.Errorf("checking sync health: %w", err)
	}

	rep.Healthy = rep.ErrorCount == 0
	metrics.PendingEntities.WithLabelValues(string(domain.KindAgent), "pending").Set(float64(rep.PendingAgents))
	metrics.PendingEntities.WithLabelValues(string(domain.KindAgent), "error").Set(float64(rep.ErrorCount))
	metrics.PendingEntities.WithLabelValues(string(domain.KindConversation), "pending").Set(float64(rep.PendingConversations))
	return rep, nil
}
