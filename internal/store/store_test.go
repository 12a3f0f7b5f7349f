package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/logging"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newAgent(id string, created time.Time) *domain.Agent {
	return domain.NewAgent(id, domain.AgentInput{
		Name:         "Agent " + id,
		Instructions: "be helpful",
		ModelID:      "llama3",
		Temperature:  0.4,
		UserID:       "u1",
		Tools:        []string{"search"},
	}, created)
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestOpen_File(t *testing.T) {
	path := t.TempDir() + "/nested/unisync.db"
	db, err := Open(path, logging.New(nil, "silent"))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.FileExists(t, path)
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	err := db.migrate()
	require.NoError(t, err)

	var count int
	err = db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"agents", "conversations", "messages"}
	for _, table := range tables {
		var name string
		err := db.sql.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

// --- Agent store tests ---

func TestAgentStore_InsertGet(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore(testDB(t))
	now := time.Date(2026, 4, 1, 10, 0, 0, 123, time.UTC)

	a := newAgent("a1", now)
	require.NoError(t, s.Insert(ctx, a))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Agent a1", got.Name)
	assert.Equal(t, "be helpful", got.Instructions)
	assert.Equal(t, []string{"search"}, got.Tools)
	assert.InDelta(t, 0.4, got.Temperature, 0.0001)
	assert.True(t, now.Equal(got.CreatedAt))
	assert.Equal(t, domain.SyncStatusPending, got.Status)
	assert.Empty(t, got.ExternalID)
	assert.Nil(t, got.LastSyncAt)

	assert.Error(t, s.Insert(ctx, a), "duplicate id")
}

func TestAgentStore_CorruptToolsIsAnError(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := NewAgentStore(db)
	require.NoError(t, s.Insert(ctx, newAgent("a1", time.Now())))

	_, err := db.sql.Exec(`UPDATE agents SET tools = '["search"' WHERE id = 'a1'`)
	require.NoError(t, err)

	_, err = s.Get(ctx, "a1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "decoding tools of agent a1")

	_, err = s.List(ctx, domain.AgentFilter{})
	assert.Error(t, err)
}

func TestAgentStore_GetNotFound(t *testing.T) {
	s := NewAgentStore(testDB(t))
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentStore_UpsertAndExternalLookup(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore(testDB(t))
	now := time.Now().UTC()

	a := newAgent("a1", now)
	require.NoError(t, s.Upsert(ctx, a))

	a.Name = "renamed"
	a.MarkSynced("ext-1", now)
	require.NoError(t, s.Upsert(ctx, a))

	got, err := s.GetByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, domain.SyncStatusSynced, got.Status)
	require.NotNil(t, got.LastSyncAt)
}

func TestAgentStore_UpdateSyncState(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore(testDB(t))
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newAgent("a1", now)))

	var st domain.SyncState
	st.MarkFailed("boom", now)
	require.NoError(t, s.UpdateSyncState(ctx, "a1", st))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusError, got.Status)
	assert.Equal(t, "boom", got.SyncError)
	assert.Equal(t, "Agent a1", got.Name, "content columns untouched")

	st.MarkSynced("ext-9", now)
	require.NoError(t, s.UpdateSyncState(ctx, "a1", st))
	got, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "ext-9", got.ExternalID)
	assert.Empty(t, got.SyncError)

	assert.ErrorIs(t, s.UpdateSyncState(ctx, "missing", st), ErrNotFound)
}

func TestAgentStore_SyncQueries(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := NewAgentStore(db)
	base := time.Now().UTC()

	pending := newAgent("p", base)
	failed := newAgent("e", base.Add(time.Second))
	failed.MarkFailed("x", base)
	synced := newAgent("s", base.Add(2*time.Second))
	synced.MarkSynced("ext-s", base)
	unset := newAgent("u", base.Add(3*time.Second))
	unset.Status = domain.SyncStatusUnset

	for _, a := range []*domain.Agent{pending, failed, synced, unset} {
		require.NoError(t, s.Insert(ctx, a))
	}

	list, err := s.ListNeedingSync(ctx)
	require.NoError(t, err)
	var ids []string
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"p", "e", "u"}, ids)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAgentStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore(testDB(t))
	base := time.Now().UTC()

	a := newAgent("a", base)
	b := newAgent("b", base.Add(time.Second))
	b.IsPublic = true
	c := newAgent("c", base.Add(2*time.Second))
	c.UserID = "u2"
	for _, x := range []*domain.Agent{a, b, c} {
		require.NoError(t, s.Insert(ctx, x))
	}

	all, err := s.List(ctx, domain.AgentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	mine, err := s.List(ctx, domain.AgentFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pub := true
	public, err := s.List(ctx, domain.AgentFilter{IsPublic: &pub})
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "b", public[0].ID)
}

// --- Conversation store tests ---

func TestConversationStore(t *testing.T) {
	ctx := context.Background()
	s := NewConversationStore(testDB(t))
	now := time.Now().UTC()

	c1 := &domain.Conversation{ID: "c1", AgentID: "a1", Title: "first", CreatedAt: now, UpdatedAt: now,
		SyncState: domain.SyncState{Status: domain.SyncStatusPending}}
	c2 := &domain.Conversation{ID: "c2", AgentID: "a1", CreatedAt: now.Add(time.Second), UpdatedAt: now}
	c3 := &domain.Conversation{ID: "c3", AgentID: "a2", CreatedAt: now, UpdatedAt: now}
	c3.MarkFailed("bad", now)
	for _, c := range []*domain.Conversation{c1, c2, c3} {
		require.NoError(t, s.Insert(ctx, c))
	}

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	list, err := s.ListByAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	pending, err := s.ListNeedingSync(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2, "error conversations are not batch-retried")

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.CountErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c1.MarkSynced("ext-c1", now)
	require.NoError(t, s.UpdateSyncState(ctx, "c1", c1.SyncState))
	n, err = s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c2.Title = "renamed"
	require.NoError(t, s.Upsert(ctx, c2))
	got, err = s.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Message store tests ---

func TestMessageStore_AppendHistory(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	convs := NewConversationStore(db)
	msgs := NewMessageStore(db)

	created := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, convs.Insert(ctx, &domain.Conversation{ID: "c1", AgentID: "a1", CreatedAt: created, UpdatedAt: created}))

	for i, content := range []string{"hi", "hello!", "how are you?"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		m := &domain.Message{ConversationID: "c1", Role: role, Content: content, Source: "local"}
		require.NoError(t, msgs.Append(ctx, m))
		assert.NotEmpty(t, m.ID)
	}

	all, err := msgs.History(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "hi", all[0].Content)
	assert.Equal(t, domain.RoleAssistant, all[1].Role)

	last, err := msgs.History(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "hello!", last[0].Content)
	assert.Equal(t, "how are you?", last[1].Content)

	conv, err := convs.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, conv.UpdatedAt.After(created))

	empty, err := msgs.History(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// --- Cache backend tests ---

func TestCacheBackend(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	be := &CacheBackend{Agents: NewAgentStore(db), Conversations: NewConversationStore(db)}
	now := time.Now().UTC()

	a := newAgent("a1", now)
	require.NoError(t, be.Save(ctx, "agent:a1", a))

	v, updated, err := be.Load(ctx, "agent:a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", v.(*domain.Agent).ID)
	assert.True(t, now.Equal(updated))

	c := &domain.Conversation{ID: "c1", AgentID: "a1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, be.Save(ctx, "conversation:c1", c))
	v, _, err = be.Load(ctx, "conversation:c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", v.(*domain.Conversation).ID)

	_, _, err = be.Load(ctx, "list:agents:u1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = be.Load(ctx, "agent:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, be.Save(ctx, "list:agents:u1", []*domain.Agent{a}), "lists are not persisted")
}
