package sqlite

import "izi/internal/migrate"

// migrations is the ordered DDL list for the SQLite backend. SQLite has
// neither a native JSON type nor a timezone-aware timestamp type, so
// JSON columns are TEXT and every timestamp is stored as an INTEGER
// count of milliseconds since the Unix epoch.
var migrations = []migrate.Migration{
	{
		Version: 1,
		Name:    "create izi_jobs",
		Up: `
CREATE TABLE IF NOT EXISTS izi_jobs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	state         TEXT NOT NULL,
	queue         TEXT NOT NULL,
	worker        TEXT NOT NULL,
	args          TEXT NOT NULL DEFAULT '{}',
	meta          TEXT NOT NULL DEFAULT '{}',
	tags          TEXT NOT NULL DEFAULT '[]',
	errors        TEXT NOT NULL DEFAULT '[]',
	attempt       INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 20,
	priority      INTEGER NOT NULL DEFAULT 0,
	inserted_at   INTEGER NOT NULL,
	scheduled_at  INTEGER NOT NULL,
	attempted_at  INTEGER,
	completed_at  INTEGER,
	discarded_at  INTEGER,
	cancelled_at  INTEGER
);
CREATE INDEX IF NOT EXISTS izi_jobs_queue_state_idx ON izi_jobs (queue, state);
CREATE INDEX IF NOT EXISTS izi_jobs_scheduled_at_idx ON izi_jobs (scheduled_at);
CREATE INDEX IF NOT EXISTS izi_jobs_state_idx ON izi_jobs (state);
`,
		Down: `DROP TABLE IF EXISTS izi_jobs;`,
	},
}

type dialect struct{}

func (dialect) CreateMigrationsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS izi_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
	)`
}

func (dialect) InsertMigrationSQL() string {
	return `INSERT INTO izi_migrations (version, name) VALUES (?, ?)`
}

func (dialect) DeleteMigrationSQL() string {
	return `DELETE FROM izi_migrations WHERE version = ?`
}

func (dialect) AppliedVersionsSQL() string {
	return `SELECT version FROM izi_migrations`
}
