package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	id       TEXT NOT NULL,
	topic_id TEXT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
	role     TEXT NOT NULL,
	status   TEXT NOT NULL,
	ask_id   TEXT NOT NULL DEFAULT '',
	body     TEXT NOT NULL,
	UNIQUE (topic_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_ask ON messages(topic_id, ask_id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

const (
	upsertTopic = `
INSERT INTO topics (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`

	touchTopic = `
INSERT INTO topics (id, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`

	// the row keeps its seq on conflict, which keeps the message in place.
	// ids are scoped to their topic like the in-memory store.
	upsertMessage = `
INSERT INTO messages (id, topic_id, role, status, ask_id, body) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(topic_id, id) DO UPDATE SET
	role = excluded.role,
	status = excluded.status,
	ask_id = excluded.ask_id,
	body = excluded.body`

	selectHistory = `SELECT body FROM messages WHERE topic_id = ? ORDER BY seq`
	selectMessage = `SELECT body FROM messages WHERE topic_id = ? AND id = ?`
	deleteMessage = `DELETE FROM messages WHERE topic_id = ? AND id = ?`
	selectTopic   = `SELECT id, name, created_at, updated_at FROM topics WHERE id = ?`
	selectTopics  = `SELECT id, name, created_at, updated_at FROM topics ORDER BY updated_at DESC, created_at DESC, id`
)
