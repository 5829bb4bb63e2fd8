package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/internal/profile"
)

// Store provides database access to all raw objects. It is the single source
// of truth for jobs, queue rows, cluster capacity, and scheduler metrics, and
// is safe for concurrent use within one process.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateJob(ctx context.Context, create *CreateJob) (*Job, error) {
	if create.Name == "" {
		return nil, errors.New("job name required")
	}
	if create.WorkDir == "" {
		return nil, errors.New("job work_dir required")
	}
	return s.driver.CreateJob(ctx, create)
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	return s.driver.GetJob(ctx, id)
}

func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.driver.ListJobs(ctx)
}

// UpdateJobStatus transitions a job and stamps the matching timestamp
// (started_at for RUNNING, completed_at for terminal states). Status values
// are validated here; the enumerated set is the only one the store accepts.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status JobStatus, pid *int) error {
	if !status.IsValid() {
		return errors.Errorf("invalid job status %q", status)
	}
	return s.driver.UpdateJobStatus(ctx, id, status, pid)
}

func (s *Store) UpdateJobResults(ctx context.Context, id int64, finalEnergy *float64, keyResults map[string]any) error {
	return s.driver.UpdateJobResults(ctx, id, finalEnergy, keyResults)
}

// GetJobStatusesBatch fetches the statuses of all given jobs with a single
// query. The scheduling loop depends on this staying a batch operation.
func (s *Store) GetJobStatusesBatch(ctx context.Context, ids []int64) (map[int64]JobStatus, error) {
	if len(ids) == 0 {
		return map[int64]JobStatus{}, nil
	}
	return s.driver.GetJobStatusesBatch(ctx, ids)
}

func (s *Store) UpsertQueueEntry(ctx context.Context, entry *QueueEntry) error {
	if !entry.Priority.IsValid() {
		return errors.Errorf("invalid priority %d", entry.Priority)
	}
	return s.driver.UpsertQueueEntry(ctx, entry)
}

func (s *Store) DeleteQueueEntry(ctx context.Context, jobID int64) error {
	return s.driver.DeleteQueueEntry(ctx, jobID)
}

func (s *Store) ListQueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.driver.ListQueueEntries(ctx)
}

func (s *Store) UpsertCluster(ctx context.Context, cluster *Cluster) error {
	if cluster.MaxConcurrentJobs < 1 {
		return errors.Errorf("cluster %d: max_concurrent_jobs must be >= 1", cluster.ID)
	}
	return s.driver.UpsertCluster(ctx, cluster)
}

func (s *Store) ListClusters(ctx context.Context) ([]*Cluster, error) {
	return s.driver.ListClusters(ctx)
}

func (s *Store) LoadSchedulerMetrics(ctx context.Context) (*SchedulerMetrics, error) {
	return s.driver.LoadSchedulerMetrics(ctx)
}

func (s *Store) SaveSchedulerMetrics(ctx context.Context, metrics *SchedulerMetrics) error {
	return s.driver.SaveSchedulerMetrics(ctx, metrics)
}

func (s *Store) RecoverRunningJobs(ctx context.Context) ([]int64, error) {
	return s.driver.RecoverRunningJobs(ctx)
}
