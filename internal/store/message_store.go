package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/unisync/internal/domain"
)

// MessageStore keeps the local message history of conversations.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a message store using the given database.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append adds a message and touches the conversation's updated_at.
// Missing ID and timestamp are filled in.
func (s *MessageStore) Append(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Source, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending message to %s: %w", msg.ConversationID, err)
	}

	if _, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.ConversationID,
	); err != nil {
		s.db.log.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("failed to touch conversation")
	}
	return nil
}

// History returns a conversation's messages in insertion order. A positive
// limit keeps only the most recent messages.
func (s *MessageStore) History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	q := `SELECT id, conversation_id, role, content, source, created_at
		FROM messages WHERE conversation_id = ? ORDER BY rowid`
	args := []any{conversationID}
	if limit > 0 {
		q = `SELECT * FROM (
			SELECT id, conversation_id, role, content, source, created_at, rowid AS rid
			FROM messages WHERE conversation_id = ? ORDER BY rowid DESC LIMIT ?
		) ORDER BY rid`
		args = append(args, limit)
	}

	rows, err := s.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, createdAt string
		dest := []any{&m.ID, &m.ConversationID, &role, &m.Content, &m.Source, &createdAt}
		if limit > 0 {
			dest = append(dest, new(int64))
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
