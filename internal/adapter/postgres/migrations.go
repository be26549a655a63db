package postgres

import "izi/internal/migrate"

// migrations is the ordered DDL list for the Postgres backend.
var migrations = []migrate.Migration{
	{
		Version: 1,
		Name:    "create izi_jobs",
		Up: `
CREATE TABLE IF NOT EXISTS izi_jobs (
	id            BIGSERIAL PRIMARY KEY,
	state         TEXT NOT NULL,
	queue         TEXT NOT NULL,
	worker        TEXT NOT NULL,
	args          JSONB NOT NULL DEFAULT '{}',
	meta          JSONB NOT NULL DEFAULT '{}',
	tags          TEXT[] NOT NULL DEFAULT '{}',
	errors        JSONB NOT NULL DEFAULT '[]',
	attempt       INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 20,
	priority      INTEGER NOT NULL DEFAULT 0,
	inserted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	scheduled_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempted_at  TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	discarded_at  TIMESTAMPTZ,
	cancelled_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS izi_jobs_queue_state_idx ON izi_jobs (queue, state);
CREATE INDEX IF NOT EXISTS izi_jobs_scheduled_at_idx ON izi_jobs (scheduled_at);
CREATE INDEX IF NOT EXISTS izi_jobs_state_idx ON izi_jobs (state);
CREATE INDEX IF NOT EXISTS izi_jobs_attempted_at_idx ON izi_jobs (attempted_at) WHERE state = 'executing';
`,
		Down: `DROP TABLE IF EXISTS izi_jobs;`,
	},
	{
		Version: 2,
		Name:    "create izi_jobs unique lookup index",
		Up:      `CREATE INDEX IF NOT EXISTS izi_jobs_unique_idx ON izi_jobs (worker, queue) WHERE state IN ('available','scheduled','executing','retryable');`,
		Down:    `DROP INDEX IF EXISTS izi_jobs_unique_idx;`,
	},
}

type dialect struct{}

func (dialect) CreateMigrationsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS izi_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
}

func (dialect) InsertMigrationSQL() string {
	return `INSERT INTO izi_migrations (version, name) VALUES ($1, $2)`
}

func (dialect) DeleteMigrationSQL() string {
	return `DELETE FROM izi_migrations WHERE version = $1`
}

func (dialect) AppliedVersionsSQL() string {
	return `SELECT version FROM izi_migrations`
}
