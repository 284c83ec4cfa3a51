package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Forward-only: each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	path         TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	folder_id    INTEGER NOT NULL UNIQUE,
	unread_count INTEGER NOT NULL DEFAULT 0,
	total_count  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	folder_id       INTEGER NOT NULL,
	uid             INTEGER NOT NULL DEFAULT 0,
	subject         TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	participants    TEXT NOT NULL DEFAULT '',
	date            DATETIME NOT NULL,
	size            INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	flags_server    INTEGER NOT NULL DEFAULT 0,
	flags_local     INTEGER NOT NULL DEFAULT 0,
	thread_id       TEXT NOT NULL DEFAULT '',
	thread_depth    INTEGER NOT NULL DEFAULT 0,
	order_key       INTEGER NOT NULL DEFAULT 0,
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '',
	body_text       TEXT NOT NULL DEFAULT '',
	body_html       TEXT NOT NULL DEFAULT '',
	attachments     TEXT NOT NULL DEFAULT '[]',
	has_body        INTEGER NOT NULL DEFAULT 0 CHECK(has_body IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_messages_folder_date
	ON messages(folder_id, date DESC, message_id DESC);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid);

CREATE TABLE IF NOT EXISTS pending_ops (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL CHECK(kind IN ('flags', 'move', 'delete')),
	message_id    TEXT NOT NULL,
	folder_id     INTEGER NOT NULL DEFAULT 0,
	uid           INTEGER NOT NULL DEFAULT 0,
	target_flags  INTEGER NOT NULL DEFAULT 0,
	target_mask   INTEGER NOT NULL DEFAULT 0,
	target_folder TEXT NOT NULL DEFAULT '',
	enqueued_at   DATETIME NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pending_ops_message ON pending_ops(message_id, kind);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		// Full-text index over subject, participants and plaintext body.
		// External-content FTS5 keyed to the messages rowid. The index is a
		// derived projection and can always be dropped and rebuilt.
		version: 2,
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS message_fts USING fts5(
	subject,
	sender,
	participants,
	body_text,
	content='messages',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
	INSERT INTO message_fts(rowid, subject, sender, participants, body_text)
	VALUES (new.rowid, new.subject, new.sender, new.participants, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
	INSERT INTO message_fts(message_fts, rowid, subject, sender, participants, body_text)
	VALUES ('delete', old.rowid, old.subject, old.sender, old.participants, old.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
	INSERT INTO message_fts(message_fts, rowid, subject, sender, participants, body_text)
	VALUES ('delete', old.rowid, old.subject, old.sender, old.participants, old.body_text);
	INSERT INTO message_fts(rowid, subject, sender, participants, body_text)
	VALUES (new.rowid, new.subject, new.sender, new.participants, new.body_text);
END;

INSERT INTO message_fts(message_fts) VALUES('rebuild');

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
