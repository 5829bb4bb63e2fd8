package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/store"
)

func (d *DB) UpsertQueueEntry(ctx context.Context, entry *store.QueueEntry) error {
	deps, err := json.Marshal(entry.Dependencies)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dependencies")
	}
	resources, err := json.Marshal(entry.Resources)
	if err != nil {
		return errors.Wrap(err, "failed to marshal resources")
	}

	var userID *string
	if entry.UserID != "" {
		userID = &entry.UserID
	}

	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO queue_state
			(job_id, priority, enqueued_at, dependencies, retry_count, max_retries, runner_type, cluster_id, user_id, resources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			priority = excluded.priority,
			enqueued_at = excluded.enqueued_at,
			dependencies = excluded.dependencies,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			runner_type = excluded.runner_type,
			cluster_id = excluded.cluster_id,
			user_id = excluded.user_id,
			resources = excluded.resources`,
		entry.JobID, int(entry.Priority), formatTime(entry.EnqueuedAt), string(deps),
		entry.RetryCount, entry.MaxRetries, entry.RunnerType, entry.ClusterID,
		userID, string(resources),
	); err != nil {
		return errors.Wrapf(err, "failed to upsert queue entry for job %d", entry.JobID)
	}
	return nil
}

func (d *DB) DeleteQueueEntry(ctx context.Context, jobID int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM queue_state WHERE job_id = ?`, jobID); err != nil {
		return errors.Wrapf(err, "failed to delete queue entry for job %d", jobID)
	}
	return nil
}

func (d *DB) ListQueueEntries(ctx context.Context) ([]*store.QueueEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT job_id, priority, enqueued_at, dependencies, retry_count, max_retries, runner_type, cluster_id, user_id, resources
		FROM queue_state
		ORDER BY priority ASC, enqueued_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queue entries")
	}
	defer rows.Close()

	var entries []*store.QueueEntry
	for rows.Next() {
		var entry store.QueueEntry
		var priority int
		var enqueuedAt string
		var deps, userID, resources sql.NullString

		if err := rows.Scan(
			&entry.JobID, &priority, &enqueuedAt, &deps,
			&entry.RetryCount, &entry.MaxRetries, &entry.RunnerType,
			&entry.ClusterID, &userID, &resources,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue row")
		}

		entry.Priority = store.Priority(priority)
		t, err := parseTime(enqueuedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "bad enqueued_at on queue row %d", entry.JobID)
		}
		entry.EnqueuedAt = t
		if deps.Valid && deps.String != "" {
			if err := json.Unmarshal([]byte(deps.String), &entry.Dependencies); err != nil {
				return nil, errors.Wrapf(err, "bad dependencies on queue row %d", entry.JobID)
			}
		}
		if userID.Valid {
			entry.UserID = userID.String
		}
		if resources.Valid && resources.String != "" {
			if err := json.Unmarshal([]byte(resources.String), &entry.Resources); err != nil {
				return nil, errors.Wrapf(err, "bad resources on queue row %d", entry.JobID)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
