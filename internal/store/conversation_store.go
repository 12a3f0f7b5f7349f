package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soyeahso/unisync/internal/domain"
)

const conversationColumns = `id, agent_id, user_id, title, created_at, updated_at,
	external_id, sync_status, last_sync_at, last_sync_attempt, sync_error`

// ConversationStore persists conversations and their sync bookkeeping.
type ConversationStore struct {
	db *DB
}

// NewConversationStore creates a conversation store using the given database.
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Get returns a conversation by local ID.
func (s *ConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// Insert adds a new conversation.
func (s *ConversationStore) Insert(ctx context.Context, c *domain.Conversation) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationArgs(c)...,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation %s: %w", c.ID, err)
	}
	return nil
}

// Upsert inserts or fully replaces a conversation.
func (s *ConversationStore) Upsert(ctx context.Context, c *domain.Conversation) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			user_id = excluded.user_id,
			title = excluded.title,
			updated_at = excluded.updated_at,
			external_id = excluded.external_id,
			sync_status = excluded.sync_status,
			last_sync_at = excluded.last_sync_at,
			last_sync_attempt = excluded.last_sync_attempt,
			sync_error = excluded.sync_error`,
		conversationArgs(c)...,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation %s: %w", c.ID, err)
	}
	return nil
}

// UpdateSyncState writes only the sync bookkeeping columns.
func (s *ConversationStore) UpdateSyncState(ctx context.Context, id string, st domain.SyncState) error {
	return updateSyncState(ctx, s.db, "conversations", id, st)
}

// ListByAgent returns an agent's conversations, newest first.
func (s *ConversationStore) ListByAgent(ctx context.Context, agentID string) ([]*domain.Conversation, error) {
	return s.query(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE agent_id = ? ORDER BY updated_at DESC, id`, agentID)
}

// ListNeedingSync returns conversations that are pending or unset.
// Failed conversations wait for an explicit SyncConversation.
func (s *ConversationStore) ListNeedingSync(ctx context.Context) ([]*domain.Conversation, error) {
	return s.query(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE sync_status IS NULL OR sync_status IN ('', 'pending')
		ORDER BY created_at, id`)
}

// CountPending counts conversations that are pending or unset.
func (s *ConversationStore) CountPending(ctx context.Context) (int, error) {
	return countWhere(ctx, s.db, "conversations", `sync_status IS NULL OR sync_status IN ('', 'pending')`)
}

// CountErrors counts conversations whose last sync failed.
func (s *ConversationStore) CountErrors(ctx context.Context) (int, error) {
	return countWhere(ctx, s.db, "conversations", `sync_status = 'error'`)
}

func (s *ConversationStore) query(ctx context.Context, q string, args ...any) ([]*domain.Conversation, error) {
	rows, err := s.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConversation(sc scanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var extID, status, lastSync, lastAttempt, syncErr sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(&c.ID, &c.AgentID, &c.UserID, &c.Title, &createdAt, &updatedAt,
		&extID, &status, &lastSync, &lastAttempt, &syncErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.SyncState = scanSyncState(extID, status, lastSync, lastAttempt, syncErr)
	return &c, nil
}

func conversationArgs(c *domain.Conversation) []any {
	return []any{
		c.ID, c.AgentID, c.UserID, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		nullString(c.ExternalID), nullString(string(c.Status)),
		nullTime(c.LastSyncAt), nullTime(c.LastSyncAttempt), nullString(c.SyncError),
	}
}
