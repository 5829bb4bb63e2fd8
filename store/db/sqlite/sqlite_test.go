package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crystalflow/internal/profile"
	"github.com/hrygo/crystalflow/store"
)

func newTestDriver(t *testing.T) store.Driver {
	t.Helper()
	p := &profile.Profile{Mode: "dev", Data: t.TempDir()}
	require.NoError(t, p.Validate())

	driver, err := NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	job, err := d.CreateJob(ctx, &store.CreateJob{
		Name:       "mgo-opt",
		WorkDir:    "/scratch/mgo-opt",
		Input:      "MGO BULK\nCRYSTAL\nEND\n",
		DFTCode:    "crystal",
		RunnerType: "slurm",
		ClusterID:  3,
	})
	require.NoError(t, err)
	assert.Positive(t, job.ID)
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, "slurm", job.RunnerType)
	assert.Equal(t, int64(3), job.ClusterID)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	missing, err := d.GetJob(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWorkDirUnique(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	_, err := d.CreateJob(ctx, &store.CreateJob{Name: "one", WorkDir: "/scratch/shared"})
	require.NoError(t, err)
	_, err = d.CreateJob(ctx, &store.CreateJob{Name: "two", WorkDir: "/scratch/shared"})
	assert.Error(t, err)
}

func TestStatusTransitionsStampTimestamps(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	job, err := d.CreateJob(ctx, &store.CreateJob{Name: "timed", WorkDir: "/scratch/timed"})
	require.NoError(t, err)

	pid := 4242
	require.NoError(t, d.UpdateJobStatus(ctx, job.ID, store.JobRunning, &pid))
	running, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	require.NotNil(t, running.PID)
	assert.Equal(t, 4242, *running.PID)
	assert.Nil(t, running.CompletedAt)

	require.NoError(t, d.UpdateJobStatus(ctx, job.ID, store.JobCompleted, nil))
	completed, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, completed.CompletedAt)
	assert.False(t, completed.CompletedAt.Before(*completed.StartedAt))

	err = d.UpdateJobStatus(ctx, 12345, store.JobRunning, nil)
	assert.Error(t, err)
}

func TestUpdateJobResults(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	job, err := d.CreateJob(ctx, &store.CreateJob{Name: "res", WorkDir: "/scratch/res"})
	require.NoError(t, err)

	energy := -274.33
	require.NoError(t, d.UpdateJobResults(ctx, job.ID, &energy, map[string]any{"bandgap": 3.1}))

	reloaded, err := d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.FinalEnergy)
	assert.InDelta(t, -274.33, *reloaded.FinalEnergy, 1e-9)
	assert.InDelta(t, 3.1, reloaded.KeyResults["bandgap"].(float64), 1e-9)
}

func TestGetJobStatusesBatch(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	a, err := d.CreateJob(ctx, &store.CreateJob{Name: "a", WorkDir: "/scratch/a"})
	require.NoError(t, err)
	b, err := d.CreateJob(ctx, &store.CreateJob{Name: "b", WorkDir: "/scratch/b"})
	require.NoError(t, err)
	require.NoError(t, d.UpdateJobStatus(ctx, b.ID, store.JobQueued, nil))

	statuses, err := d.GetJobStatusesBatch(ctx, []int64{a.ID, b.ID, 777})
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
	assert.Equal(t, store.JobPending, statuses[a.ID])
	assert.Equal(t, store.JobQueued, statuses[b.ID])

	empty, err := d.GetJobStatusesBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQueueEntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	job, err := d.CreateJob(ctx, &store.CreateJob{Name: "q", WorkDir: "/scratch/q"})
	require.NoError(t, err)

	entry := &store.QueueEntry{
		JobID:        job.ID,
		Priority:     store.PriorityHigh,
		EnqueuedAt:   time.Now().Add(-time.Minute),
		Dependencies: []int64{11, 12},
		RetryCount:   1,
		MaxRetries:   3,
		RunnerType:   "ssh",
		ClusterID:    2,
		UserID:       "dave",
		Resources:    map[string]float64{"cores": 16, "memory_gb": 64},
	}
	require.NoError(t, d.UpsertQueueEntry(ctx, entry))

	rows, err := d.ListQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, entry.JobID, got.JobID)
	assert.Equal(t, store.PriorityHigh, got.Priority)
	assert.Equal(t, []int64{11, 12}, got.Dependencies)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "ssh", got.RunnerType)
	assert.Equal(t, "dave", got.UserID)
	assert.Equal(t, 16.0, got.Resources["cores"])
	assert.WithinDuration(t, entry.EnqueuedAt, got.EnqueuedAt, time.Millisecond)

	// Upsert overwrites in place.
	entry.RetryCount = 2
	require.NoError(t, d.UpsertQueueEntry(ctx, entry))
	rows, err = d.ListQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].RetryCount)

	require.NoError(t, d.DeleteQueueEntry(ctx, job.ID))
	rows, err = d.ListQueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClusterRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	cluster := &store.Cluster{
		ID:                 5,
		MaxConcurrentJobs:  12,
		Paused:             true,
		AvailableResources: map[string]float64{"cores": 128},
	}
	require.NoError(t, d.UpsertCluster(ctx, cluster))

	clusters, err := d.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, int64(5), clusters[0].ID)
	assert.Equal(t, 12, clusters[0].MaxConcurrentJobs)
	assert.True(t, clusters[0].Paused)
	assert.Equal(t, 128.0, clusters[0].AvailableResources["cores"])
}

func TestSchedulerMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	// Missing singleton loads as zero values.
	initial, err := d.LoadSchedulerMetrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, initial.TotalJobsScheduled)

	now := time.Now()
	require.NoError(t, d.SaveSchedulerMetrics(ctx, &store.SchedulerMetrics{
		TotalJobsScheduled:     10,
		TotalJobsCompleted:     7,
		TotalJobsFailed:        2,
		TotalJobsRetried:       1,
		AverageWaitTimeSeconds: 42.5,
		FailedJobRate:          0.22,
		LastUpdated:            &now,
	}))

	loaded, err := d.LoadSchedulerMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), loaded.TotalJobsScheduled)
	assert.Equal(t, int64(7), loaded.TotalJobsCompleted)
	assert.InDelta(t, 42.5, loaded.AverageWaitTimeSeconds, 1e-9)
	require.NotNil(t, loaded.LastUpdated)
	assert.WithinDuration(t, now, *loaded.LastUpdated, time.Millisecond)
}

func TestRecoverRunningJobs(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	zombie, err := d.CreateJob(ctx, &store.CreateJob{Name: "zombie", WorkDir: "/scratch/zombie"})
	require.NoError(t, err)
	detached, err := d.CreateJob(ctx, &store.CreateJob{Name: "detached", WorkDir: "/scratch/detached"})
	require.NoError(t, err)

	require.NoError(t, d.UpdateJobStatus(ctx, zombie.ID, store.JobRunning, nil))
	require.NoError(t, d.UpdateJobStatus(ctx, detached.ID, store.JobRunning, nil))

	// Only the zombie still has a queue row.
	require.NoError(t, d.UpsertQueueEntry(ctx, &store.QueueEntry{
		JobID: zombie.ID, Priority: store.PriorityNormal, EnqueuedAt: time.Now(), RunnerType: "local",
	}))

	recovered, err := d.RecoverRunningJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{zombie.ID}, recovered)

	z, err := d.GetJob(ctx, zombie.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, z.Status)

	// Jobs without a queue row are left alone.
	orphan, err := d.GetJob(ctx, detached.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, orphan.Status)
}

func TestStoreRejectsInvalidStatus(t *testing.T) {
	ctx := context.Background()
	p := &profile.Profile{Mode: "dev", Data: t.TempDir()}
	require.NoError(t, p.Validate())
	driver, err := NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(ctx))
	t.Cleanup(func() { _ = driver.Close() })

	st := store.New(driver, p)
	job, err := st.CreateJob(ctx, &store.CreateJob{Name: "strict", WorkDir: "/scratch/strict"})
	require.NoError(t, err)

	err = st.UpdateJobStatus(ctx, job.ID, store.JobStatus("EXPLODED"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid job status")
}
