package jobstore

// schema creates every table the SQLite backend needs. It is re-run on
// every open via CREATE TABLE IF NOT EXISTS, so there is no separate
// migration-versioning table: the schema has no history to migrate yet.
const schema = `
CREATE TABLE IF NOT EXISTS active_jobs (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS completed_jobs (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduler_metadata (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_scheduled_timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduler_lease (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	holder_id TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`
