package snapshotstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// dialect holds the statements that differ between SQLite and MySQL.
type dialect struct {
	name string

	// schema is executed in order by Migrate; every statement is idempotent.
	schema []string

	upsertSnapshot string

	isDuplicate func(error) bool
}

const snapshotColumns = `job_id, cluster_name, job_name, job_state, job_type, is_stoppable,
	max_parallelism, job_start_time, job_end_time, job_duration, job_details, snapshot_time`

const clusterColumns = `id, name, url, description, is_active, created_at, updated_at`

var sqliteDialect = &dialect{
	name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS flink_clusters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			description TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flink_clusters_active ON flink_clusters(is_active);`,

		`CREATE TABLE IF NOT EXISTS job_snapshots (
			job_id TEXT NOT NULL,
			cluster_name TEXT NOT NULL,
			job_name TEXT,
			job_state TEXT NOT NULL,
			job_type TEXT,
			is_stoppable INTEGER NOT NULL DEFAULT 0,
			max_parallelism INTEGER,
			-- epoch millis as reported by the cluster
			job_start_time INTEGER,
			job_end_time INTEGER,
			job_duration INTEGER,
			job_details TEXT,
			-- epoch millis of the last write
			snapshot_time INTEGER NOT NULL,
			PRIMARY KEY(job_id, cluster_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_snapshots_state ON job_snapshots(job_state);`,
		`CREATE INDEX IF NOT EXISTS idx_job_snapshots_cluster ON job_snapshots(cluster_name);`,
		`CREATE INDEX IF NOT EXISTS idx_job_snapshots_time ON job_snapshots(snapshot_time);`,
	},
	upsertSnapshot: `INSERT INTO job_snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, cluster_name) DO UPDATE SET
			job_name = excluded.job_name,
			job_state = excluded.job_state,
			job_type = excluded.job_type,
			is_stoppable = excluded.is_stoppable,
			max_parallelism = excluded.max_parallelism,
			job_start_time = excluded.job_start_time,
			job_end_time = excluded.job_end_time,
			job_duration = excluded.job_duration,
			job_details = excluded.job_details,
			snapshot_time = MAX(job_snapshots.snapshot_time, excluded.snapshot_time)`,
	isDuplicate: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlDialect = &dialect{
	name: DriverMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INT PRIMARY KEY CHECK (id = 1),
			schema_version INT NOT NULL
		)`,
		`INSERT IGNORE INTO schema_meta (id, schema_version) VALUES (1, 0)`,

		`CREATE TABLE IF NOT EXISTS flink_clusters (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			url VARCHAR(255) NOT NULL,
			description TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT,
			INDEX idx_flink_clusters_active (is_active)
		)`,

		`CREATE TABLE IF NOT EXISTS job_snapshots (
			job_id VARCHAR(100) NOT NULL,
			cluster_name VARCHAR(100) NOT NULL,
			job_name VARCHAR(255),
			job_state VARCHAR(50) NOT NULL,
			job_type VARCHAR(50),
			is_stoppable BOOLEAN NOT NULL DEFAULT FALSE,
			max_parallelism INT,
			job_start_time BIGINT,
			job_end_time BIGINT,
			job_duration BIGINT,
			job_details LONGTEXT,
			snapshot_time BIGINT NOT NULL,
			PRIMARY KEY (job_id, cluster_name),
			INDEX idx_job_snapshots_state (job_state),
			INDEX idx_job_snapshots_cluster (cluster_name),
			INDEX idx_job_snapshots_time (snapshot_time)
		)`,
	},
	upsertSnapshot: `INSERT INTO job_snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			job_name = VALUES(job_name),
			job_state = VALUES(job_state),
			job_type = VALUES(job_type),
			is_stoppable = VALUES(is_stoppable),
			max_parallelism = VALUES(max_parallelism),
			job_start_time = VALUES(job_start_time),
			job_end_time = VALUES(job_end_time),
			job_duration = VALUES(job_duration),
			job_details = VALUES(job_details),
			snapshot_time = GREATEST(snapshot_time, VALUES(snapshot_time))`,
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == 1062
	},
}

func dialectFor(driver string) (*dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, driverLibsql:
		return sqliteDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", driver)
	}
}
