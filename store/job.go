package store

import "time"

// JobStatus is the lifecycle state of a calculation job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
	JobUnknown   JobStatus = "UNKNOWN"
)

// AllJobStatuses lists every value accepted at the store boundary.
var AllJobStatuses = []JobStatus{
	JobPending, JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled, JobUnknown,
}

func (s JobStatus) IsValid() bool {
	for _, v := range AllJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions occur from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a single DFT calculation tracked by the store.
type Job struct {
	ID          int64
	Name        string
	WorkDir     string
	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	PID         *int
	Input       string
	FinalEnergy *float64
	KeyResults  map[string]any
	DFTCode     string
	RunnerType  string
	ClusterID   int64
}

// CreateJob carries the fields required to insert a new job row.
type CreateJob struct {
	Name       string
	WorkDir    string
	Input      string
	DFTCode    string
	RunnerType string
	ClusterID  int64
}
