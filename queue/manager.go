// Package queue implements the priority-based, dependency-aware job scheduler.
//
// The manager keeps an in-memory mirror of the persisted queue rows, scores
// eligible jobs each tick, and hands them to runner consumers via Dequeue.
// The store remains the source of truth; after a crash the mirror is rebuilt
// from it and interrupted jobs are re-queued.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hrygo/crystalflow/internal/dag"
	"github.com/hrygo/crystalflow/store"
)

// ErrInvalidJob reports an enqueue against a job or dependency that does not
// exist in the store.
var ErrInvalidJob = errors.New("invalid job")

// DefaultClusterID is the implicit cluster used when no target is named.
const DefaultClusterID int64 = 0

// CompletionCallback is invoked exactly once when a job reaches a terminal
// state. Callbacks run on the manager's dispatch goroutine, never under the
// scheduling lock.
type CompletionCallback func(jobID int64, status store.JobStatus)

type notification struct {
	jobID  int64
	status store.JobStatus
	fns    []CompletionCallback
}

// clusterState is the in-memory companion of a persisted cluster row.
type clusterState struct {
	cluster store.Cluster
	running map[int64]struct{}
}

func (c *clusterState) canAcceptJob() bool {
	return !c.cluster.Paused && len(c.running) < c.cluster.MaxConcurrentJobs
}

// Options tunes the manager.
type Options struct {
	DefaultMaxConcurrent int
	SchedulingInterval   time.Duration
	EnableFairShare      bool
	// Registerer receives the prometheus collectors; nil skips registration
	// (the counters still work, they are just not scraped).
	Registerer prometheus.Registerer
}

func (o *Options) normalize() {
	if o.DefaultMaxConcurrent <= 0 {
		o.DefaultMaxConcurrent = 4
	}
	if o.SchedulingInterval <= 0 {
		o.SchedulingInterval = time.Second
	}
}

// Manager coordinates job scheduling, prioritization, retries, and crash
// recovery. One mutex guards all mutable state; the scheduling loop never
// holds it while sleeping.
type Manager struct {
	store *store.Store
	opts  Options

	mu                sync.Mutex
	entries           map[int64]*store.QueueEntry
	clusters          map[int64]*clusterState
	dependents        map[int64]map[int64]struct{}
	userLastScheduled map[string]time.Time
	callbacks         map[int64][]CompletionCallback
	metrics           store.SchedulerMetrics
	queueDepth        map[int64]int

	notifyCh chan notification
	notifyWG sync.WaitGroup

	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	errLog *rate.Limiter
	prom   *collectors
}

// NewManager creates a queue manager bound to the given store.
func NewManager(st *store.Store, opts Options) *Manager {
	opts.normalize()
	return &Manager{
		store:             st,
		opts:              opts,
		entries:           make(map[int64]*store.QueueEntry),
		clusters:          make(map[int64]*clusterState),
		dependents:        make(map[int64]map[int64]struct{}),
		userLastScheduled: make(map[string]time.Time),
		callbacks:         make(map[int64][]CompletionCallback),
		queueDepth:        make(map[int64]int),
		notifyCh:          make(chan notification, 256),
		errLog:            rate.NewLimiter(rate.Every(30*time.Second), 1),
		prom:              newCollectors(opts.Registerer),
	}
}

// Start restores persisted state, performs crash recovery, and launches the
// background scheduling loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		slog.Warn("queue: manager already running")
		return nil
	}

	if err := m.restoreLocked(ctx); err != nil {
		return errors.Wrap(err, "failed to restore queue state")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	m.running = true

	m.notifyWG.Add(1)
	go m.dispatchLoop()
	go m.schedulerLoop(loopCtx)

	slog.Info("queue: manager started",
		"queued_jobs", len(m.entries),
		"clusters", len(m.clusters),
		"interval", m.opts.SchedulingInterval,
		"fair_share", m.opts.EnableFairShare,
	)
	return nil
}

// restoreLocked rebuilds in-memory state from the store.
//
// Crash recovery: any job still RUNNING that has a queue row was being
// dispatched when the previous process died. Runner handles are not retained
// across restarts, so those jobs are reset to QUEUED and redispatched.
func (m *Manager) restoreLocked(ctx context.Context) error {
	recovered, err := m.store.RecoverRunningJobs(ctx)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		slog.Info("queue: reset interrupted jobs to QUEUED", "job_ids", recovered)
	}

	rows, err := m.store.ListQueueEntries(ctx)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.JobID)
	}
	statuses, err := m.store.GetJobStatusesBatch(ctx, ids)
	if err != nil {
		return err
	}

	m.entries = make(map[int64]*store.QueueEntry, len(rows))
	m.dependents = make(map[int64]map[int64]struct{})
	for _, row := range rows {
		status := statuses[row.JobID]
		if status != store.JobPending && status != store.JobQueued {
			continue
		}
		m.entries[row.JobID] = row
		for _, dep := range row.Dependencies {
			m.addDependentLocked(dep, row.JobID)
		}
	}

	clusters, err := m.store.ListClusters(ctx)
	if err != nil {
		return err
	}
	m.clusters = make(map[int64]*clusterState, len(clusters))
	for _, c := range clusters {
		m.clusters[c.ID] = &clusterState{cluster: *c, running: make(map[int64]struct{})}
	}

	metrics, err := m.store.LoadSchedulerMetrics(ctx)
	if err != nil {
		return err
	}
	m.metrics = *metrics
	m.prom.seed(metrics)
	return nil
}

// Stop cancels the scheduling loop, drains the notifier, and persists a final
// metrics snapshot.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.loopDone
	m.mu.Unlock()

	cancel()
	<-done

	close(m.notifyCh)
	m.notifyWG.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistMetricsLocked(ctx); err != nil {
		slog.Error("queue: failed to persist final metrics", "error", err)
	}
	slog.Info("queue: manager stopped")
	return nil
}

// Enqueue adds a job to the queue. The job must already exist in the store;
// every named dependency must exist; adding the entry must not create a
// dependency cycle. On success the job status becomes QUEUED.
func (m *Manager) Enqueue(ctx context.Context, jobID int64, priority store.Priority, deps []int64, runnerType string, clusterID int64, userID string, maxRetries int, resources map[string]float64) error {
	if !priority.IsValid() {
		return errors.Wrapf(ErrInvalidJob, "priority %d out of range", priority)
	}
	if runnerType == "" {
		runnerType = "local"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(ErrInvalidJob, "job %d not found", jobID)
	}

	if err := m.validateDependenciesLocked(ctx, jobID, deps); err != nil {
		return err
	}

	entry := &store.QueueEntry{
		JobID:        jobID,
		Priority:     priority,
		EnqueuedAt:   time.Now(),
		Dependencies: deps,
		MaxRetries:   maxRetries,
		RunnerType:   runnerType,
		ClusterID:    clusterID,
		UserID:       userID,
		Resources:    resources,
	}

	if err := m.store.UpsertQueueEntry(ctx, entry); err != nil {
		return err
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobQueued, nil); err != nil {
		return err
	}

	m.entries[jobID] = entry
	for _, dep := range deps {
		m.addDependentLocked(dep, jobID)
	}

	slog.Info("queue: enqueued job",
		"job_id", jobID, "priority", priority.String(), "runner_type", runnerType,
		"cluster_id", clusterID, "dependencies", deps)
	return nil
}

func (m *Manager) validateDependenciesLocked(ctx context.Context, jobID int64, deps []int64) error {
	if len(deps) == 0 {
		return nil
	}
	for _, dep := range deps {
		if dep == jobID {
			return &dag.CycleError{Node: idKey(jobID), Context: "job queue"}
		}
	}

	statuses, err := m.store.GetJobStatusesBatch(ctx, deps)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if _, ok := statuses[dep]; !ok {
			return errors.Wrapf(ErrInvalidJob, "dependency job %d not found", dep)
		}
	}

	graph := make(map[string][]string, len(m.entries)+1)
	for id, entry := range m.entries {
		graph[idKey(id)] = idKeys(entry.Dependencies)
	}
	graph[idKey(jobID)] = idKeys(deps)
	return dag.AssertAcyclic(graph, "job queue")
}

func idKey(id int64) string { return fmt.Sprintf("%d", id) }

func idKeys(ids []int64) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = idKey(id)
	}
	return keys
}

func (m *Manager) addDependentLocked(dep, dependent int64) {
	set, ok := m.dependents[dep]
	if !ok {
		set = make(map[int64]struct{})
		m.dependents[dep] = set
	}
	set[dependent] = struct{}{}
}

// ScheduleJobs returns the ids of all currently eligible jobs in scheduling
// order. Exposed for observability; Dequeue consumes the same ordering.
func (m *Manager) ScheduleJobs(ctx context.Context) ([]int64, error) {
	statuses, err := m.snapshotStatuses(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduleLocked(statuses), nil
}

// snapshotStatuses batch-fetches the store status of every known queue row
// and of every dependency those rows reference (dependencies that already
// left the queue still gate their dependents). Runs without the lock: one
// IN (...) query replaces a per-row N+1 pattern.
func (m *Manager) snapshotStatuses(ctx context.Context) (map[int64]store.JobStatus, error) {
	m.mu.Lock()
	idSet := make(map[int64]struct{}, len(m.entries))
	for id, entry := range m.entries {
		idSet[id] = struct{}{}
		for _, dep := range entry.Dependencies {
			idSet[dep] = struct{}{}
		}
	}
	m.mu.Unlock()

	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	return m.store.GetJobStatusesBatch(ctx, ids)
}

type scoredEntry struct {
	entry *store.QueueEntry
	score float64
}

func (m *Manager) scheduleLocked(statuses map[int64]store.JobStatus) []int64 {
	now := time.Now()
	scored := make([]scoredEntry, 0, len(m.entries))

	for id, entry := range m.entries {
		status, ok := statuses[id]
		if !ok || (status != store.JobPending && status != store.JobQueued) {
			continue
		}
		if !m.dependenciesSatisfiedLocked(entry, statuses) {
			continue
		}
		cluster := m.getClusterLocked(entry.ClusterID)
		if !cluster.canAcceptJob() {
			continue
		}
		if !resourcesFit(cluster, entry.Resources) {
			continue
		}
		scored = append(scored, scoredEntry{entry: entry, score: m.scoreLocked(entry, now)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	ids := make([]int64, len(scored))
	for i, s := range scored {
		ids[i] = s.entry.JobID
	}
	return ids
}

// dependenciesSatisfiedLocked reports whether every dependency is COMPLETED
// according to the batch status snapshot.
func (m *Manager) dependenciesSatisfiedLocked(entry *store.QueueEntry, statuses map[int64]store.JobStatus) bool {
	for _, dep := range entry.Dependencies {
		if statuses[dep] != store.JobCompleted {
			return false
		}
	}
	return true
}

func resourcesFit(cluster *clusterState, requirements map[string]float64) bool {
	if len(requirements) == 0 || len(cluster.cluster.AvailableResources) == 0 {
		return true
	}
	for resource, required := range requirements {
		if cluster.cluster.AvailableResources[resource] < required {
			return false
		}
	}
	return true
}

// scoreLocked computes the deterministic scheduling score. Priority dominates;
// wait time and fair share break ties and prevent starvation.
func (m *Manager) scoreLocked(entry *store.QueueEntry, now time.Time) float64 {
	score := float64(4-int(entry.Priority)) * 1000

	score += now.Sub(entry.EnqueuedAt).Minutes()

	if m.opts.EnableFairShare && entry.UserID != "" {
		if last, ok := m.userLastScheduled[entry.UserID]; ok {
			score += now.Sub(last).Minutes()
		} else {
			score += 1000
		}
	}
	return score
}

func (m *Manager) getClusterLocked(clusterID int64) *clusterState {
	c, ok := m.clusters[clusterID]
	if !ok {
		c = &clusterState{
			cluster: store.Cluster{ID: clusterID, MaxConcurrentJobs: m.opts.DefaultMaxConcurrent},
			running: make(map[int64]struct{}),
		}
		m.clusters[clusterID] = c
	}
	return c
}

// Dequeue returns the highest-scoring eligible job for the runner type, or
// nil when nothing can run. The status transition to RUNNING and the cluster
// slot consumption commit under the same lock, so two concurrent dequeues can
// neither award the same job twice nor exceed a cluster's cap.
func (m *Manager) Dequeue(ctx context.Context, runnerType string) (*int64, error) {
	statuses, err := m.snapshotStatuses(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, jobID := range m.scheduleLocked(statuses) {
		entry, ok := m.entries[jobID]
		if !ok || entry.RunnerType != runnerType {
			continue
		}

		if err := m.store.UpdateJobStatus(ctx, jobID, store.JobRunning, nil); err != nil {
			return nil, err
		}

		delete(m.entries, jobID)
		cluster := m.getClusterLocked(entry.ClusterID)
		cluster.running[jobID] = struct{}{}

		wait := time.Since(entry.EnqueuedAt).Seconds()
		m.updateWaitTimeLocked(wait)
		m.metrics.TotalJobsScheduled++
		m.prom.jobsScheduled.Inc()
		if entry.UserID != "" {
			m.userLastScheduled[entry.UserID] = time.Now()
		}
		// The queue row stays in the store until terminal state so the retry
		// path can restore it.

		slog.Info("queue: dequeued job", "job_id", jobID, "runner_type", runnerType, "cluster_id", entry.ClusterID)
		return &jobID, nil
	}
	return nil, nil
}

// HandleJobCompletion finalizes a dispatched job. On success the queue row is
// removed and dependents become schedulable; on failure the job is either
// re-enqueued (retry budget remaining) or marked FAILED together with every
// job whose prerequisites can now never be met.
//
// Safe to call more than once per job: later calls find no running slot and
// return without touching metrics or cluster state.
func (m *Manager) HandleJobCompletion(ctx context.Context, jobID int64, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.releaseRunningLocked(jobID) {
		slog.Debug("queue: duplicate completion ignored", "job_id", jobID)
		return nil
	}

	if success {
		m.metrics.TotalJobsCompleted++
		m.prom.jobsCompleted.Inc()

		if err := m.store.UpdateJobStatus(ctx, jobID, store.JobCompleted, nil); err != nil {
			return err
		}
		if err := m.store.DeleteQueueEntry(ctx, jobID); err != nil {
			return err
		}
		if deps, ok := m.dependents[jobID]; ok {
			slog.Info("queue: job completed, dependents now eligible", "job_id", jobID, "dependents", len(deps))
			delete(m.dependents, jobID)
		}
		m.enqueueNotificationLocked(jobID, store.JobCompleted)
	} else {
		if err := m.handleFailureLocked(ctx, jobID); err != nil {
			return err
		}
	}

	m.updateMetricsLocked()
	if err := m.persistMetricsLocked(ctx); err != nil {
		slog.Error("queue: failed to persist metrics", "error", err)
	}
	return nil
}

// releaseRunningLocked removes the job from whichever cluster holds it and
// reports whether it was actually running.
func (m *Manager) releaseRunningLocked(jobID int64) bool {
	for _, cluster := range m.clusters {
		if _, ok := cluster.running[jobID]; ok {
			delete(cluster.running, jobID)
			return true
		}
	}
	return false
}

func (m *Manager) handleFailureLocked(ctx context.Context, jobID int64) error {
	m.metrics.TotalJobsFailed++
	m.prom.jobsFailed.Inc()

	rows, err := m.store.ListQueueEntries(ctx)
	if err != nil {
		return err
	}
	var row *store.QueueEntry
	for _, r := range rows {
		if r.JobID == jobID {
			row = r
			break
		}
	}
	if row == nil {
		// Row already gone (cancelled mid-flight); nothing to retry.
		m.enqueueNotificationLocked(jobID, store.JobFailed)
		return nil
	}

	if row.RetryCount < row.MaxRetries {
		row.RetryCount++
		m.metrics.TotalJobsRetried++
		m.prom.jobsRetried.Inc()

		// Keep the original enqueue timestamp: retried jobs must not jump
		// ahead of peers that have waited longer.
		if err := m.store.UpsertQueueEntry(ctx, row); err != nil {
			return err
		}
		if err := m.store.UpdateJobStatus(ctx, jobID, store.JobQueued, nil); err != nil {
			return err
		}
		m.entries[jobID] = row
		for _, dep := range row.Dependencies {
			m.addDependentLocked(dep, jobID)
		}
		slog.Info("queue: retrying job", "job_id", jobID, "attempt", row.RetryCount, "max_retries", row.MaxRetries)
		return nil
	}

	slog.Warn("queue: job failed permanently", "job_id", jobID, "retries", row.RetryCount)
	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobFailed, nil); err != nil {
		return err
	}
	if err := m.store.DeleteQueueEntry(ctx, jobID); err != nil {
		return err
	}
	m.enqueueNotificationLocked(jobID, store.JobFailed)

	return m.failDependentsLocked(ctx, jobID)
}

// failDependentsLocked transitively fails every job that can no longer run
// because a prerequisite failed permanently.
func (m *Manager) failDependentsLocked(ctx context.Context, failedID int64) error {
	pending := []int64{failedID}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		deps, ok := m.dependents[id]
		if !ok {
			continue
		}
		delete(m.dependents, id)

		for dependentID := range deps {
			if _, queued := m.entries[dependentID]; !queued {
				continue
			}
			if err := m.store.UpdateJobStatus(ctx, dependentID, store.JobFailed, nil); err != nil {
				return err
			}
			if err := m.store.DeleteQueueEntry(ctx, dependentID); err != nil {
				return err
			}
			delete(m.entries, dependentID)
			m.metrics.TotalJobsFailed++
			m.prom.jobsFailed.Inc()
			m.enqueueNotificationLocked(dependentID, store.JobFailed)
			slog.Warn("queue: failed job due to failed dependency", "job_id", dependentID, "dependency", id)
			pending = append(pending, dependentID)
		}
	}
	return nil
}

// Cancel removes a job from the queue, releases any held cluster slot, and
// strips the job from every other job's dependency set so the survivors can
// still be scheduled. Returns false when the job is unknown or already
// terminal.
func (m *Manager) Cancel(ctx context.Context, jobID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		slog.Warn("queue: cannot cancel unknown job", "job_id", jobID)
		return false, nil
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	delete(m.entries, jobID)
	m.releaseRunningLocked(jobID)
	delete(m.dependents, jobID)

	for _, other := range m.entries {
		trimmed := other.Dependencies[:0]
		changed := false
		for _, dep := range other.Dependencies {
			if dep == jobID {
				changed = true
				continue
			}
			trimmed = append(trimmed, dep)
		}
		if changed {
			other.Dependencies = trimmed
			if err := m.store.UpsertQueueEntry(ctx, other); err != nil {
				return false, err
			}
		}
	}

	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobCancelled, nil); err != nil {
		return false, err
	}
	if err := m.store.DeleteQueueEntry(ctx, jobID); err != nil {
		return false, err
	}
	m.enqueueNotificationLocked(jobID, store.JobCancelled)

	slog.Info("queue: cancelled job", "job_id", jobID)
	return true, nil
}

// PauseQueue stops scheduling on a cluster. Running jobs continue.
func (m *Manager) PauseQueue(ctx context.Context, clusterID int64) error {
	return m.setPaused(ctx, clusterID, true)
}

// ResumeQueue re-enables scheduling on a cluster.
func (m *Manager) ResumeQueue(ctx context.Context, clusterID int64) error {
	return m.setPaused(ctx, clusterID, false)
}

func (m *Manager) setPaused(ctx context.Context, clusterID int64, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.getClusterLocked(clusterID)
	cluster.cluster.Paused = paused
	if err := m.store.UpsertCluster(ctx, &cluster.cluster); err != nil {
		return err
	}
	slog.Info("queue: cluster pause toggled", "cluster_id", clusterID, "paused", paused)
	return nil
}

// RegisterCluster declares or updates a cluster's capacity.
func (m *Manager) RegisterCluster(ctx context.Context, cluster store.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.UpsertCluster(ctx, &cluster); err != nil {
		return err
	}
	state, ok := m.clusters[cluster.ID]
	if !ok {
		m.clusters[cluster.ID] = &clusterState{cluster: cluster, running: make(map[int64]struct{})}
	} else {
		state.cluster = cluster
	}
	return nil
}

// Reorder changes the priority of a queued job.
func (m *Manager) Reorder(ctx context.Context, jobID int64, newPriority store.Priority) error {
	if !newPriority.IsValid() {
		return errors.Wrapf(ErrInvalidJob, "priority %d out of range", newPriority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[jobID]
	if !ok {
		return errors.Wrapf(ErrInvalidJob, "job %d is not in queue", jobID)
	}
	old := entry.Priority
	entry.Priority = newPriority
	if err := m.store.UpsertQueueEntry(ctx, entry); err != nil {
		entry.Priority = old
		return err
	}
	slog.Info("queue: reordered job", "job_id", jobID, "old_priority", old.String(), "new_priority", newPriority.String())
	return nil
}

// RegisterCallback records a completion callback for a job. Each callback is
// invoked exactly once, after the job's store status has been updated to a
// terminal value.
func (m *Manager) RegisterCallback(jobID int64, fn CompletionCallback) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[jobID] = append(m.callbacks[jobID], fn)
}

// enqueueNotificationLocked hands the job's callbacks to the dispatch
// goroutine. Delivery uses a bounded channel with a non-blocking send: a slow
// consumer drops the message (the orchestrator's monitor loop is the safety
// net) rather than stalling scheduling.
func (m *Manager) enqueueNotificationLocked(jobID int64, status store.JobStatus) {
	fns := m.callbacks[jobID]
	delete(m.callbacks, jobID)
	if len(fns) == 0 {
		return
	}
	select {
	case m.notifyCh <- notification{jobID: jobID, status: status, fns: fns}:
	default:
		slog.Warn("queue: notification channel full, dropping completion event",
			"job_id", jobID, "status", status, "buffer_size", cap(m.notifyCh))
	}
}

func (m *Manager) dispatchLoop() {
	defer m.notifyWG.Done()
	for n := range m.notifyCh {
		for _, fn := range n.fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("queue: recovered from panic in completion callback", "job_id", n.jobID, "panic", r)
					}
				}()
				fn(n.jobID, n.status)
			}()
		}
	}
}

// schedulerLoop is the background tick. Each iteration snapshots queue rows,
// batch-fetches statuses, recomputes queue depths, and persists metrics. The
// lock is never held across the sleep.
func (m *Manager) schedulerLoop(ctx context.Context) {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.opts.SchedulingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue: scheduler loop stopped")
			return
		case <-ticker.C:
			if err := m.tick(ctx); err != nil && m.errLog.Allow() {
				// One bad tick never kills the loop.
				slog.Error("queue: scheduler tick failed", "error", err)
			}
		}
	}
}

func (m *Manager) tick(ctx context.Context) error {
	statuses, err := m.snapshotStatuses(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	schedulable := m.scheduleLocked(statuses)
	if len(schedulable) > 0 {
		slog.Debug("queue: schedulable jobs", "count", len(schedulable))
	}

	depth := make(map[int64]int, len(m.clusters))
	for _, entry := range m.entries {
		depth[entry.ClusterID]++
	}
	m.queueDepth = depth
	for clusterID, n := range depth {
		m.prom.queueDepth.WithLabelValues(idKey(clusterID)).Set(float64(n))
	}

	m.updateMetricsLocked()
	return m.persistMetricsLocked(ctx)
}

func (m *Manager) updateMetricsLocked() {
	now := time.Now()
	m.metrics.LastUpdated = &now

	total := m.metrics.TotalJobsCompleted + m.metrics.TotalJobsFailed
	if total > 0 {
		m.metrics.FailedJobRate = float64(m.metrics.TotalJobsFailed) / float64(total)
	}
	m.metrics.JobsPerHour = float64(m.metrics.TotalJobsCompleted)
}

// updateWaitTimeLocked folds a new sample into the exponential moving average.
func (m *Manager) updateWaitTimeLocked(waitSeconds float64) {
	const alpha = 0.1
	if m.metrics.AverageWaitTimeSeconds == 0 {
		m.metrics.AverageWaitTimeSeconds = waitSeconds
	} else {
		m.metrics.AverageWaitTimeSeconds = alpha*waitSeconds + (1-alpha)*m.metrics.AverageWaitTimeSeconds
	}
	m.prom.avgWaitTime.Set(m.metrics.AverageWaitTimeSeconds)
}

func (m *Manager) persistMetricsLocked(ctx context.Context) error {
	metrics := m.metrics
	return m.store.SaveSchedulerMetrics(ctx, &metrics)
}

// ClusterStatus is the observational snapshot of one cluster.
type ClusterStatus struct {
	Running       int  `json:"running"`
	MaxConcurrent int  `json:"max_concurrent"`
	Paused        bool `json:"paused"`
	HasCapacity   bool `json:"has_capacity"`
}

// Status is the observational snapshot returned by GetQueueStatus.
type Status struct {
	TotalQueued int                     `json:"total_queued"`
	ByPriority  map[string]int          `json:"by_priority"`
	ByRunner    map[string]int          `json:"by_runner"`
	Metrics     store.SchedulerMetrics  `json:"metrics"`
	Clusters    map[int64]ClusterStatus `json:"clusters"`
}

// GetQueueStatus reports the current queue composition. Never blocks
// scheduling beyond the state snapshot.
func (m *Manager) GetQueueStatus(runnerType string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		ByPriority: make(map[string]int),
		ByRunner:   make(map[string]int),
		Metrics:    m.metrics,
		Clusters:   make(map[int64]ClusterStatus, len(m.clusters)),
	}

	for _, entry := range m.entries {
		if runnerType != "" && entry.RunnerType != runnerType {
			continue
		}
		status.TotalQueued++
		status.ByPriority[entry.Priority.String()]++
		status.ByRunner[entry.RunnerType]++
	}
	for id, cluster := range m.clusters {
		status.Clusters[id] = ClusterStatus{
			Running:       len(cluster.running),
			MaxConcurrent: cluster.cluster.MaxConcurrentJobs,
			Paused:        cluster.cluster.Paused,
			HasCapacity:   cluster.canAcceptJob(),
		}
	}
	return status
}
