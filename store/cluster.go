package store

// Cluster is a named execution target with a bounded concurrency budget.
// Covers local machines, single remote hosts, and batch sites uniformly.
type Cluster struct {
	ID                 int64
	MaxConcurrentJobs  int
	Paused             bool
	AvailableResources map[string]float64
}
