package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create agents",
		SQL: `
			CREATE TABLE agents (
				id                 TEXT PRIMARY KEY,
				name               TEXT NOT NULL,
				description        TEXT NOT NULL DEFAULT '',
				instructions       TEXT NOT NULL DEFAULT '',
				model_id           TEXT NOT NULL DEFAULT '',
				temperature        REAL NOT NULL DEFAULT 0.7,
				is_public          INTEGER NOT NULL DEFAULT 0,
				user_id            TEXT NOT NULL DEFAULT '',
				tools              TEXT,
				created_at         TEXT NOT NULL,
				updated_at         TEXT NOT NULL,
				external_id        TEXT,
				sync_status        TEXT,
				last_sync_at       TEXT,
				last_sync_attempt  TEXT,
				sync_error         TEXT
			);

			CREATE INDEX idx_agents_user ON agents (user_id);
			CREATE INDEX idx_agents_sync ON agents (sync_status);
			CREATE UNIQUE INDEX idx_agents_external ON agents (external_id) WHERE external_id IS NOT NULL;
		`,
	},
	{
		Version: 2,
		Name:    "create conversations and messages",
		SQL: `
			CREATE TABLE conversations (
				id                 TEXT PRIMARY KEY,
				agent_id           TEXT NOT NULL,
				user_id            TEXT NOT NULL DEFAULT '',
				title              TEXT NOT NULL DEFAULT '',
				created_at         TEXT NOT NULL,
				updated_at         TEXT NOT NULL,
				external_id        TEXT,
				sync_status        TEXT,
				last_sync_at       TEXT,
				last_sync_attempt  TEXT,
				sync_error         TEXT
			);

			CREATE INDEX idx_conversations_agent ON conversations (agent_id);
			CREATE INDEX idx_conversations_sync ON conversations (sync_status);

			CREATE TABLE messages (
				id               TEXT PRIMARY KEY,
				conversation_id  TEXT NOT NULL,
				role             TEXT NOT NULL,
				content          TEXT NOT NULL,
				source           TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id);
		`,
	},
}
