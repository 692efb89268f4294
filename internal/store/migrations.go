package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations is the ordered list of SQLite schema migrations.
// Each migration's version must be sequential starting from 1.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_connections (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	provider             TEXT NOT NULL DEFAULT 'custom',
	email                TEXT NOT NULL,
	host                 TEXT NOT NULL,
	port                 INTEGER NOT NULL DEFAULT 993,
	encrypted_credential TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'connected'
		CHECK(status IN ('connected', 'syncing', 'error', 'credentials_expired')),
	last_sync_at         DATETIME,
	emails_scanned       INTEGER NOT NULL DEFAULT 0,
	opportunities_found  INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL,
	UNIQUE(user_id, email)
);

CREATE TABLE IF NOT EXISTS scanned_messages (
	id                  TEXT PRIMARY KEY,
	connection_id       TEXT NOT NULL REFERENCES mailbox_connections(id) ON DELETE CASCADE,
	provider_message_id TEXT NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	sender              TEXT NOT NULL DEFAULT '',
	sender_domain       TEXT NOT NULL DEFAULT '',
	received_at         DATETIME,
	analyzed            INTEGER NOT NULL DEFAULT 0 CHECK(analyzed IN (0, 1)),
	classification      TEXT,
	opportunity_id      TEXT,
	created_at          DATETIME NOT NULL,
	UNIQUE(connection_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_connections_user_id ON mailbox_connections(user_id);
CREATE INDEX IF NOT EXISTS idx_connections_status ON mailbox_connections(status);
CREATE INDEX IF NOT EXISTS idx_messages_connection_id ON scanned_messages(connection_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_pending
	ON scanned_messages(analyzed, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_sender_domain
	ON scanned_messages(sender_domain);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// postgresMigrations mirrors sqliteMigrations for PostgreSQL.
var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_connections (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	provider             TEXT NOT NULL DEFAULT 'custom',
	email                TEXT NOT NULL,
	host                 TEXT NOT NULL,
	port                 INTEGER NOT NULL DEFAULT 993,
	encrypted_credential TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'connected'
		CHECK(status IN ('connected', 'syncing', 'error', 'credentials_expired')),
	last_sync_at         TIMESTAMPTZ,
	emails_scanned       INTEGER NOT NULL DEFAULT 0,
	opportunities_found  INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	UNIQUE(user_id, email)
);

CREATE TABLE IF NOT EXISTS scanned_messages (
	id                  TEXT PRIMARY KEY,
	connection_id       TEXT NOT NULL REFERENCES mailbox_connections(id) ON DELETE CASCADE,
	provider_message_id TEXT NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	sender              TEXT NOT NULL DEFAULT '',
	sender_domain       TEXT NOT NULL DEFAULT '',
	received_at         TIMESTAMPTZ,
	analyzed            BOOLEAN NOT NULL DEFAULT FALSE,
	classification      JSONB,
	opportunity_id      TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	UNIQUE(connection_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_connections_user_id ON mailbox_connections(user_id);
CREATE INDEX IF NOT EXISTS idx_connections_status ON mailbox_connections(status);
CREATE INDEX IF NOT EXISTS idx_messages_connection_id ON scanned_messages(connection_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_pending
	ON scanned_messages(analyzed, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_sender_domain
	ON scanned_messages(sender_domain);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
