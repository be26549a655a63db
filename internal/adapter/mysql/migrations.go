package mysql

import "izi/internal/migrate"

// migrations is the ordered DDL list for the MySQL backend. MySQL has no
// native array type, so tags are stored as a JSON array like errors/args/
// meta.
var migrations = []migrate.Migration{
	{
		Version: 1,
		Name:    "create izi_jobs",
		Up: `
CREATE TABLE IF NOT EXISTS izi_jobs (
	id            BIGINT AUTO_INCREMENT PRIMARY KEY,
	state         VARCHAR(16) NOT NULL,
	queue         VARCHAR(255) NOT NULL,
	worker        VARCHAR(255) NOT NULL,
	args          JSON NOT NULL,
	meta          JSON NOT NULL,
	tags          JSON NOT NULL,
	errors        JSON NOT NULL,
	attempt       INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL DEFAULT 20,
	priority      INT NOT NULL DEFAULT 0,
	inserted_at   DATETIME(6) NOT NULL,
	scheduled_at  DATETIME(6) NOT NULL,
	attempted_at  DATETIME(6) NULL,
	completed_at  DATETIME(6) NULL,
	discarded_at  DATETIME(6) NULL,
	cancelled_at  DATETIME(6) NULL,
	INDEX izi_jobs_queue_state_idx (queue, state),
	INDEX izi_jobs_scheduled_at_idx (scheduled_at),
	INDEX izi_jobs_state_idx (state)
) ENGINE=InnoDB;
`,
		Down: `DROP TABLE IF EXISTS izi_jobs;`,
	},
}

type dialect struct{}

func (dialect) CreateMigrationsTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS izi_migrations (
		version INT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB`
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
