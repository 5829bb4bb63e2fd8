package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/store"
)

func (d *DB) CreateJob(ctx context.Context, create *store.CreateJob) (*store.Job, error) {
	now := time.Now()
	runnerType := create.RunnerType
	if runnerType == "" {
		runnerType = "local"
	}
	dftCode := create.DFTCode
	if dftCode == "" {
		dftCode = "crystal"
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO jobs (name, work_dir, status, created_at, input, dft_code, runner_type, cluster_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		create.Name, create.WorkDir, string(store.JobPending), formatTime(now),
		create.Input, dftCode, runnerType, create.ClusterID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create job %q", create.Name)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read inserted job id")
	}
	return d.GetJob(ctx, id)
}

const jobColumns = `id, name, work_dir, status, created_at, started_at, completed_at, pid, input, final_energy, key_results, dft_code, runner_type, cluster_id`

func (d *DB) GetJob(ctx context.Context, id int64) (*store.Job, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get job %d", id)
	}
	return job, nil
}

func (d *DB) ListJobs(ctx context.Context) ([]*store.Job, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (d *DB) UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus, pid *int) error {
	now := formatTime(time.Now())

	var query string
	args := []any{string(status), pid}
	switch {
	case status == store.JobRunning:
		query = `UPDATE jobs SET status = ?, pid = ?, started_at = ? WHERE id = ?`
		args = append(args, now, id)
	case status.IsTerminal():
		query = `UPDATE jobs SET status = ?, pid = ?, completed_at = ? WHERE id = ?`
		args = append(args, now, id)
	default:
		query = `UPDATE jobs SET status = ?, pid = ? WHERE id = ?`
		args = append(args, id)
	}

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of job %d", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return errors.Errorf("job %d not found", id)
	}
	return nil
}

func (d *DB) UpdateJobResults(ctx context.Context, id int64, finalEnergy *float64, keyResults map[string]any) error {
	var resultsJSON *string
	if keyResults != nil {
		raw, err := json.Marshal(keyResults)
		if err != nil {
			return errors.Wrap(err, "failed to marshal key results")
		}
		s := string(raw)
		resultsJSON = &s
	}
	if _, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET final_energy = ?, key_results = ? WHERE id = ?`,
		finalEnergy, resultsJSON, id,
	); err != nil {
		return errors.Wrapf(err, "failed to update results of job %d", id)
	}
	return nil
}

// GetJobStatusesBatch fetches all statuses with a single IN (...) query. The
// scheduling loop calls this once per tick for every known queue row.
func (d *DB) GetJobStatusesBatch(ctx context.Context, ids []int64) (map[int64]store.JobStatus, error) {
	statuses := make(map[int64]store.JobStatus, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, status FROM jobs WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to batch-fetch job statuses")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, errors.Wrap(err, "failed to scan status row")
		}
		statuses[id] = store.JobStatus(status)
	}
	return statuses, rows.Err()
}

func (d *DB) RecoverRunningJobs(ctx context.Context) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND id IN (SELECT job_id FROM queue_state)`,
		string(store.JobRunning),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find interrupted jobs")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan interrupted job id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := d.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?
		WHERE status = ? AND id IN (SELECT job_id FROM queue_state)`,
		string(store.JobQueued), string(store.JobRunning),
	); err != nil {
		return nil, errors.Wrap(err, "failed to reset interrupted jobs")
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	var createdAt string
	var startedAt, completedAt, input, keyResults sql.NullString
	var pid sql.NullInt64
	var finalEnergy sql.NullFloat64

	if err := row.Scan(
		&job.ID, &job.Name, &job.WorkDir, &job.Status,
		&createdAt, &startedAt, &completedAt,
		&pid, &input, &finalEnergy, &keyResults,
		&job.DFTCode, &job.RunnerType, &job.ClusterID,
	); err != nil {
		return nil, err
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "bad created_at on job %d", job.ID)
	}
	job.CreatedAt = created
	job.StartedAt = parseTimePtr(startedAt)
	job.CompletedAt = parseTimePtr(completedAt)
	if pid.Valid {
		p := int(pid.Int64)
		job.PID = &p
	}
	if input.Valid {
		job.Input = input.String
	}
	if finalEnergy.Valid {
		e := finalEnergy.Float64
		job.FinalEnergy = &e
	}
	if keyResults.Valid && keyResults.String != "" {
		if err := json.Unmarshal([]byte(keyResults.String), &job.KeyResults); err != nil {
			return nil, errors.Wrapf(err, "bad key_results on job %d", job.ID)
		}
	}
	return &job, nil
}
