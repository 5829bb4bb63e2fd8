package store

import "context"

// Driver is the storage backend contract. Every mutation commits before the
// call returns; readers only observe committed state.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	// Jobs.
	CreateJob(ctx context.Context, create *CreateJob) (*Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status JobStatus, pid *int) error
	UpdateJobResults(ctx context.Context, id int64, finalEnergy *float64, keyResults map[string]any) error
	GetJobStatusesBatch(ctx context.Context, ids []int64) (map[int64]JobStatus, error)

	// Queue rows.
	UpsertQueueEntry(ctx context.Context, entry *QueueEntry) error
	DeleteQueueEntry(ctx context.Context, jobID int64) error
	ListQueueEntries(ctx context.Context) ([]*QueueEntry, error)

	// Clusters.
	UpsertCluster(ctx context.Context, cluster *Cluster) error
	ListClusters(ctx context.Context) ([]*Cluster, error)

	// Metrics singleton.
	LoadSchedulerMetrics(ctx context.Context) (*SchedulerMetrics, error)
	SaveSchedulerMetrics(ctx context.Context, metrics *SchedulerMetrics) error

	// RecoverRunningJobs resets every RUNNING job that still has a queue row
	// back to QUEUED and returns the affected job ids. Used once at startup.
	RecoverRunningJobs(ctx context.Context) ([]int64, error)
}
