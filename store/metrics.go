package store

import "time"

// SchedulerMetrics is the persisted singleton of scheduler counters.
// Purely observational; never authoritative for control decisions.
type SchedulerMetrics struct {
	TotalJobsScheduled     int64
	TotalJobsCompleted     int64
	TotalJobsFailed        int64
	TotalJobsRetried       int64
	AverageWaitTimeSeconds float64
	JobsPerHour            float64
	FailedJobRate          float64
	LastUpdated            *time.Time
}
