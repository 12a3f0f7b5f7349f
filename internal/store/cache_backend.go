package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/unisync/internal/domain"
)

// CacheBackend exposes agents and conversations as the persistent tier of
// the cache. Keys are "agent:<id>" and "conversation:<id>"; list keys are
// never persisted.
type CacheBackend struct {
	Agents        *AgentStore
	Conversations *ConversationStore
}

// Load returns the record and its updated_at time.
func (b *CacheBackend) Load(ctx context.Context, key string) (any, time.Time, error) {
	kind, id, ok := splitKey(key)
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	switch kind {
	case domain.KindAgent:
		a, err := b.Agents.Get(ctx, id)
		if err != nil {
			return nil, time.Time{}, err
		}
		return a, a.UpdatedAt, nil
	case domain.KindConversation:
		c, err := b.Conversations.Get(ctx, id)
		if err != nil {
			return nil, time.Time{}, err
		}
		return c, c.UpdatedAt, nil
	default:
		return nil, time.Time{}, ErrNotFound
	}
}

// Save upserts agents and conversations. Other values are ignored.
func (b *CacheBackend) Save(ctx context.Context, key string, value any) error {
	switch v := value.(type) {
	case *domain.Agent:
		return b.Agents.Upsert(ctx, v)
	case *domain.Conversation:
		return b.Conversations.Upsert(ctx, v)
	case nil:
		return fmt.Errorf("nil value for %s", key)
	default:
		return nil
	}
}

func splitKey(key string) (domain.Kind, string, bool) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || kind == "list" || id == "" {
		return "", "", false
	}
	return domain.Kind(kind), id, true
}
