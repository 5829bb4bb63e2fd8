package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/store"
)

func (d *DB) LoadSchedulerMetrics(ctx context.Context) (*store.SchedulerMetrics, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT total_jobs_scheduled, total_jobs_completed, total_jobs_failed, total_jobs_retried,
			average_wait_time_seconds, jobs_per_hour, failed_job_rate, last_updated
		FROM scheduler_metrics WHERE id = 1`)

	var m store.SchedulerMetrics
	var lastUpdated sql.NullString
	if err := row.Scan(
		&m.TotalJobsScheduled, &m.TotalJobsCompleted, &m.TotalJobsFailed, &m.TotalJobsRetried,
		&m.AverageWaitTimeSeconds, &m.JobsPerHour, &m.FailedJobRate, &lastUpdated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &store.SchedulerMetrics{}, nil
		}
		return nil, errors.Wrap(err, "failed to load scheduler metrics")
	}
	m.LastUpdated = parseTimePtr(lastUpdated)
	return &m, nil
}

func (d *DB) SaveSchedulerMetrics(ctx context.Context, metrics *store.SchedulerMetrics) error {
	var lastUpdated *string
	if metrics.LastUpdated != nil {
		s := formatTime(*metrics.LastUpdated)
		lastUpdated = &s
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO scheduler_metrics
			(id, total_jobs_scheduled, total_jobs_completed, total_jobs_failed, total_jobs_retried,
			 average_wait_time_seconds, jobs_per_hour, failed_job_rate, last_updated)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_jobs_scheduled = excluded.total_jobs_scheduled,
			total_jobs_completed = excluded.total_jobs_completed,
			total_jobs_failed = excluded.total_jobs_failed,
			total_jobs_retried = excluded.total_jobs_retried,
			average_wait_time_seconds = excluded.average_wait_time_seconds,
			jobs_per_hour = excluded.jobs_per_hour,
			failed_job_rate = excluded.failed_job_rate,
			last_updated = excluded.last_updated`,
		metrics.TotalJobsScheduled, metrics.TotalJobsCompleted, metrics.TotalJobsFailed,
		metrics.TotalJobsRetried, metrics.AverageWaitTimeSeconds, metrics.JobsPerHour,
		metrics.FailedJobRate, lastUpdated,
	); err != nil {
		return errors.Wrap(err, "failed to save scheduler metrics")
	}
	return nil
}
