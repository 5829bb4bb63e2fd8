package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	// Pure-Go SQLite driver; registers as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/hrygo/crystalflow/internal/profile"
	"github.com/hrygo/crystalflow/store"
)

// DB implements store.Driver on a single SQLite file.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the project database.
//
// Pragmas:
//   - foreign_keys ON for referential integrity between queue_state and jobs
//   - journal_mode WAL so scheduling-loop reads do not block completion-callback
//     writes (multiple readers, single writer)
//   - busy_timeout so short write contention retries instead of failing
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := sqliteDB.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	driver := &DB{db: sqliteDB, profile: profile}
	return driver, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	work_dir TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL CHECK(status IN ('PENDING', 'QUEUED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED', 'UNKNOWN')),
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	pid INTEGER,
	input TEXT,
	final_energy REAL,
	key_results TEXT,
	dft_code TEXT NOT NULL DEFAULT 'crystal',
	runner_type TEXT NOT NULL DEFAULT 'local',
	cluster_id INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC);

CREATE TABLE IF NOT EXISTS queue_state (
	job_id INTEGER PRIMARY KEY,
	priority INTEGER NOT NULL,
	enqueued_at TEXT NOT NULL,
	dependencies TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	runner_type TEXT NOT NULL DEFAULT 'local',
	cluster_id INTEGER NOT NULL DEFAULT 0,
	user_id TEXT,
	resources TEXT,
	FOREIGN KEY (job_id) REFERENCES jobs (id)
);

CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue_state (priority, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_runner ON queue_state (runner_type);
CREATE INDEX IF NOT EXISTS idx_queue_cluster ON queue_state (cluster_id);

CREATE TABLE IF NOT EXISTS cluster_state (
	cluster_id INTEGER PRIMARY KEY,
	max_concurrent_jobs INTEGER NOT NULL,
	paused INTEGER NOT NULL DEFAULT 0,
	available_resources TEXT
);

CREATE TABLE IF NOT EXISTS scheduler_metrics (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	total_jobs_scheduled INTEGER NOT NULL DEFAULT 0,
	total_jobs_completed INTEGER NOT NULL DEFAULT 0,
	total_jobs_failed INTEGER NOT NULL DEFAULT 0,
	total_jobs_retried INTEGER NOT NULL DEFAULT 0,
	average_wait_time_seconds REAL NOT NULL DEFAULT 0,
	jobs_per_hour REAL NOT NULL DEFAULT 0,
	failed_job_rate REAL NOT NULL DEFAULT 0,
	last_updated TEXT
);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	slog.Debug("store: schema applied", "dsn", d.profile.DSN)
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Timestamps are stored as RFC 3339 text.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry second precision.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
