package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	address        TEXT NOT NULL,
	provider       TEXT NOT NULL,
	auth_mode      TEXT NOT NULL,
	imap_host      TEXT NOT NULL,
	imap_port      INTEGER NOT NULL,
	smtp_host      TEXT NOT NULL,
	smtp_port      INTEGER NOT NULL,
	imap_tls_mode  TEXT NOT NULL DEFAULT 'implicit',
	smtp_tls_mode  TEXT NOT NULL DEFAULT 'implicit',
	credential_ref TEXT NOT NULL DEFAULT '',
	token_endpoint TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	path            TEXT NOT NULL,
	parent_path     TEXT NOT NULL DEFAULT '',
	uid_validity    INTEGER NOT NULL DEFAULT 0,
	last_synced_uid INTEGER NOT NULL DEFAULT 0,
	unread_count    INTEGER NOT NULL DEFAULT 0,
	missing_count   INTEGER NOT NULL DEFAULT 0,
	last_sync_at    DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00+00:00',
	UNIQUE(account_id, path)
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_id    INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid          INTEGER NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	recipients   TEXT NOT NULL DEFAULT '',
	date         DATETIME NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	seen         INTEGER NOT NULL DEFAULT 0 CHECK(seen IN (0, 1)),
	flagged      INTEGER NOT NULL DEFAULT 0 CHECK(flagged IN (0, 1)),
	deleted      INTEGER NOT NULL DEFAULT 0 CHECK(deleted IN (0, 1)),
	answered     INTEGER NOT NULL DEFAULT 0 CHECK(answered IN (0, 1)),
	flags_dirty  INTEGER NOT NULL DEFAULT 0 CHECK(flags_dirty IN (0, 1)),
	body_fetched INTEGER NOT NULL DEFAULT 0 CHECK(body_fetched IN (0, 1)),
	body_text    TEXT NOT NULL DEFAULT '',
	body_html    TEXT NOT NULL DEFAULT '',
	last_seen_at DATETIME NOT NULL,
	fetched_at   DATETIME NOT NULL,
	UNIQUE(account_id, folder_id, uid)
);

CREATE TABLE IF NOT EXISTS outgoing (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	from_addr       TEXT NOT NULL,
	to_addrs        TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_dirty ON messages(folder_id, flags_dirty);
CREATE INDEX IF NOT EXISTS idx_messages_last_seen ON messages(folder_id, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_outgoing_account_status ON outgoing(account_id, status);
CREATE INDEX IF NOT EXISTS idx_outgoing_created ON outgoing(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
