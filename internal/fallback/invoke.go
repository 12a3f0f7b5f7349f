package fallback

import (
	"context"
	"fmt"
	"time"
	"unicode"

	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/llm"
)

const (
	sourceExternal = "external"
	sourceLocal    = "local"
)

// Invoke sends message to an agent and returns the reply. The external
// service is tried first, then the local model. With a conversation id
// both turns are appended to the local history.
func (r *Router) Invoke(ctx context.Context, agentID, message, conversationID string) (*domain.Message, error) {
	agent, ok := r.Get(ctx, agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	r.appendHistory(ctx, conversationID, domain.RoleUser, message, "")

	reply, err := r.complete(ctx, agent, message, conversationID)
	if err != nil {
		r.served(ctx, "invoke", "none")
		return nil, err
	}
	r.served(ctx, "invoke", reply.Source)
	r.appendHistory(ctx, conversationID, domain.RoleAssistant, reply.Content, reply.Source)
	return reply, nil
}

// complete is the non-streaming path shared by Invoke and the stream fallback.
func (r *Router) complete(ctx context.Context, agent *domain.Agent, message, conversationID string) (*domain.Message, error) {
	if agent.ExternalID != "" && r.externalUp(ctx) {
		extID := agent.ExternalID
		reply, ok := WithRetry(ctx, r, "invoke agent", func(ctx context.Context) (*domain.Message, error) {
			return r.deps.Remote.Invoke(ctx, extID, message, conversationID)
		})
		if ok {
			reply.Source = sourceExternal
			reply.Role = domain.RoleAssistant
			reply.ConversationID = conversationID
			return reply, nil
		}
	}

	if r.deps.LocalAI == nil {
		return nil, ErrNoService
	}
	if r.deps.Breaker != nil && !r.deps.Breaker.Allow() {
		r.log.Debug().Str("agent", agent.ID).Msg("local model circuit open")
		return nil, ErrNoService
	}

	resp, err := r.deps.LocalAI.Complete(ctx, r.localRequest(ctx, agent, message, conversationID))
	if err != nil {
		if r.deps.Breaker != nil {
			r.deps.Breaker.RecordFailure()
		}
		r.log.Warn().Err(err).Str("agent", agent.ID).Str("provider", r.deps.LocalAI.Name()).Msg("local model failed")
		return nil, fmt.Errorf("%w: local model: %v", ErrNoService, err)
	}
	if r.deps.Breaker != nil {
		r.deps.Breaker.RecordSuccess()
	}
	return &domain.Message{
		ID:             r.opts.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        resp.Content,
		Source:         sourceLocal,
		CreatedAt:      r.opts.Now(),
	}, nil
}

// localRequest builds a completion from the agent's settings and the recent
// history, which already ends with the new user turn when it was recorded.
func (r *Router) localRequest(ctx context.Context, agent *domain.Agent, message, conversationID string) llm.CompletionRequest {
	temp := agent.Temperature
	req := llm.CompletionRequest{
		Model:       agent.ModelID,
		System:      agent.Instructions,
		Temperature: &temp,
	}

	if conversationID != "" && r.deps.Messages != nil {
		history, err := r.deps.Messages.History(ctx, conversationID, historyLimit)
		if err != nil {
			r.log.Warn().Err(err).Str("conversation", conversationID).Msg("failed to load history")
		}
		for _, m := range history {
			if m.Role == domain.RoleSystem {
				continue
			}
			req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	if n := len(req.Messages); n == 0 || req.Messages[n-1].Content != message || req.Messages[n-1].Role != llm.RoleUser {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: message})
	}
	return req
}

func (r *Router) appendHistory(ctx context.Context, conversationID string, role domain.Role, content, source string) {
	if conversationID == "" || r.deps.Messages == nil {
		return
	}
	msg := &domain.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Source:         source,
		CreatedAt:      r.opts.Now(),
	}
	if err := r.deps.Messages.Append(ctx, msg); err != nil {
		r.log.Warn().Err(err).Str("conversation", conversationID).Msg("failed to save message")
	}
}

// InvokeStream streams a reply. The external stream is passed through when
// it starts cleanly. If it fails before its first delta, the non-streaming
// path runs and its reply is replayed word by word with ChunkDelay between
// chunks. The channel always ends with a done or an error event.
func (r *Router) InvokeStream(ctx context.Context, agentID, message, conversationID string) <-chan llm.StreamEvent {
	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		send := func(ev llm.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		agent, ok := r.Get(ctx, agentID)
		if !ok {
			send(llm.StreamEvent{Type: llm.EventError, Error: fmt.Sprintf("%v: %s", ErrAgentNotFound, agentID)})
			return
		}
		r.appendHistory(ctx, conversationID, domain.RoleUser, message, "")

		if agent.ExternalID != "" && r.externalUp(ctx) {
			content, passed := r.passthrough(ctx, agent.ExternalID, message, conversationID, send)
			if passed {
				r.served(ctx, "stream", sourceExternal)
				r.appendHistory(ctx, conversationID, domain.RoleAssistant, content, sourceExternal)
				return
			}
		}

		reply, err := r.complete(ctx, agent, message, conversationID)
		if err != nil {
			r.served(ctx, "stream", "none")
			send(llm.StreamEvent{Type: llm.EventError, Error: "No available service for streaming"})
			return
		}
		r.served(ctx, "stream", "simulated")
		r.appendHistory(ctx, conversationID, domain.RoleAssistant, reply.Content, reply.Source)

		for i, chunk := range SplitWords(reply.Content) {
			if i > 0 && r.opts.ChunkDelay > 0 {
				if err := r.opts.Sleep(ctx, r.opts.ChunkDelay); err != nil {
					return
				}
			}
			if !send(llm.StreamEvent{Type: llm.EventDelta, Content: chunk}) {
				return
			}
		}
		send(llm.StreamEvent{Type: llm.EventDone, Response: &llm.CompletionResponse{
			Content:        reply.Content,
			ConversationID: conversationID,
		}})
	}()
	return out
}

// passthrough forwards the external stream. It reports false, having sent
// nothing, when the stream could not start, its first event is an error, or
// no event arrived within StreamStart. Once forwarding began it reports true
// whatever happens next.
func (r *Router) passthrough(ctx context.Context, extID, message, conversationID string, send func(llm.StreamEvent) bool) (string, bool) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.deps.Remote.InvokeStream(streamCtx, extID, message, conversationID)
	if err != nil {
		r.log.Warn().Err(err).Str("agent", extID).Msg("external stream failed, falling back")
		return "", false
	}

	wait := time.NewTimer(r.opts.StreamStart)
	defer wait.Stop()

	var first llm.StreamEvent
	ok := false
	select {
	case first, ok = <-ch:
	case <-wait.C:
		first.Error = fmt.Sprintf("no stream event within %s", r.opts.StreamStart)
	case <-ctx.Done():
		first.Error = context.Cause(ctx).Error()
	}
	if !ok || first.Type == llm.EventError {
		r.log.Warn().Str("agent", extID).Str("error", first.Error).Msg("external stream failed, falling back")
		cancel()
		go drain(ch)
		return "", false
	}

	var content string
	for ev, open := first, true; open; ev, open = <-ch {
		switch ev.Type {
		case llm.EventDelta:
			content += ev.Content
		case llm.EventDone:
			if ev.Response != nil && ev.Response.Content != "" {
				content = ev.Response.Content
			}
		}
		if !send(ev) {
			go drain(ch)
			break
		}
	}
	return content, true
}

func drain(ch <-chan llm.StreamEvent) {
	for range ch {
	}
}

// SplitWords cuts s into chunks of one word plus the whitespace after it.
// Leading whitespace stays with the first chunk, so the chunks joined give
// back s exactly.
func SplitWords(s string) []string {
	var chunks []string
	start, word, space := 0, false, false
	for i, c := range s {
		if unicode.IsSpace(c) {
			space = true
			continue
		}
		if word && space {
			chunks = append(chunks, s[start:i])
			start = i
		}
		word, space = true, false
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}
