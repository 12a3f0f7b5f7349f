package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/soyeahso/unisync/internal/domain"
)

const agentColumns = `id, name, description, instructions, model_id, temperature, is_public, user_id, tools,
	created_at, updated_at, external_id, sync_status, last_sync_at, last_sync_attempt, sync_error`

// AgentStore persists agents and their sync bookkeeping.
type AgentStore struct {
	db *DB
}

// NewAgentStore creates an agent store using the given database.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

// Get returns an agent by local ID.
func (s *AgentStore) Get(ctx context.Context, id string) (*domain.Agent, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetByExternalID returns the agent mirrored from an external record.
func (s *AgentStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Agent, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE external_id = ?`, externalID)
	return scanAgent(row)
}

// Insert adds a new agent. It fails if the ID exists.
func (s *AgentStore) Insert(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentArgs(a)...,
	)
	if err != nil {
		return fmt.Errorf("inserting agent %s: %w", a.ID, err)
	}
	return nil
}

// Upsert inserts or fully replaces an agent.
func (s *AgentStore) Upsert(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			instructions = excluded.instructions,
			model_id = excluded.model_id,
			temperature = excluded.temperature,
			is_public = excluded.is_public,
			user_id = excluded.user_id,
			tools = excluded.tools,
			updated_at = excluded.updated_at,
			external_id = excluded.external_id,
			sync_status = excluded.sync_status,
			last_sync_at = excluded.last_sync_at,
			last_sync_attempt = excluded.last_sync_attempt,
			sync_error = excluded.sync_error`,
		agentArgs(a)...,
	)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateSyncState writes only the sync bookkeeping columns.
func (s *AgentStore) UpdateSyncState(ctx context.Context, id string, st domain.SyncState) error {
	return updateSyncState(ctx, s.db, "agents", id, st)
}

// List returns agents matching filter, newest first.
func (s *AgentStore) List(ctx context.Context, filter domain.AgentFilter) ([]*domain.Agent, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.IsPublic != nil {
		where = append(where, "is_public = ?")
		args = append(args, boolInt(*filter.IsPublic))
	}
	q := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	return s.query(ctx, q, args...)
}

// ListNeedingSync returns agents that are pending, unset or in error,
// oldest first.
func (s *AgentStore) ListNeedingSync(ctx context.Context) ([]*domain.Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE sync_status IS NULL OR sync_status IN ('', 'pending', 'error')
		ORDER BY created_at, id`)
}

// CountPending counts agents that are pending or unset.
func (s *AgentStore) CountPending(ctx context.Context) (int, error) {
	return countWhere(ctx, s.db, "agents", `sync_status IS NULL OR sync_status IN ('', 'pending')`)
}

// CountErrors counts agents whose last sync failed.
func (s *AgentStore) CountErrors(ctx context.Context) (int, error) {
	return countWhere(ctx, s.db, "agents", `sync_status = 'error'`)
}

func (s *AgentStore) query(ctx context.Context, q string, args ...any) ([]*domain.Agent, error) {
	rows, err := s.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (*domain.Agent, error) {
	var a domain.Agent
	var isPublic int
	var tools, extID, status, lastSync, lastAttempt, syncErr sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&a.ID, &a.Name, &a.Description, &a.Instructions, &a.ModelID, &a.Temperature, &isPublic, &a.UserID, &tools,
		&createdAt, &updatedAt, &extID, &status, &lastSync, &lastAttempt, &syncErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.IsPublic = isPublic != 0
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &a.Tools); err != nil {
			return nil, fmt.Errorf("decoding tools of agent %s: %w", a.ID, err)
		}
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.SyncState = scanSyncState(extID, status, lastSync, lastAttempt, syncErr)
	return &a, nil
}

func agentArgs(a *domain.Agent) []any {
	var tools sql.NullString
	if len(a.Tools) > 0 {
		if data, err := json.Marshal(a.Tools); err == nil {
			tools = sql.NullString{String: string(data), Valid: true}
		}
	}
	return []any{
		a.ID, a.Name, a.Description, a.Instructions, a.ModelID, a.Temperature, boolInt(a.IsPublic), a.UserID, tools,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		nullString(a.ExternalID), nullString(string(a.Status)),
		nullTime(a.LastSyncAt), nullTime(a.LastSyncAttempt), nullString(a.SyncError),
	}
}

// --- shared sync helpers ---

func scanSyncState(extID, status, lastSync, lastAttempt, syncErr sql.NullString) domain.SyncState {
	return domain.SyncState{
		ExternalID:      extID.String,
		Status:          domain.SyncStatus(status.String),
		LastSyncAt:      parseNullTime(lastSync),
		LastSyncAttempt: parseNullTime(lastAttempt),
		SyncError:       syncErr.String,
	}
}

func updateSyncState(ctx context.Context, db *DB, table, id string, st domain.SyncState) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE `+table+` SET external_id = ?, sync_status = ?, last_sync_at = ?, last_sync_attempt = ?, sync_error = ?
		 WHERE id = ?`,
		nullString(st.ExternalID), nullString(string(st.Status)),
		nullTime(st.LastSyncAt), nullTime(st.LastSyncAttempt), nullString(st.SyncError), id,
	)
	if err != nil {
		return fmt.Errorf("updating sync state of %s %s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func countWhere(ctx context.Context, db *DB, table, where string) (int, error) {
	var n int
	if err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+where).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}
