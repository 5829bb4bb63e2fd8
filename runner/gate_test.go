package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateBoundsConcurrency(t *testing.T) {
	gate := NewGate(2)
	ctx := context.Background()

	require.NoError(t, gate.Acquire(ctx))
	require.NoError(t, gate.Acquire(ctx))
	assert.False(t, gate.TryAcquire())

	gate.Release()
	assert.True(t, gate.TryAcquire())
	gate.Release()
	gate.Release()
}

func TestGateAcquireRespectsContext(t *testing.T) {
	gate := NewGate(1)
	require.NoError(t, gate.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.Acquire(ctx)
	assert.Error(t, err)
	gate.Release()
}

// fakeRunner counts in-flight submissions so the wrapper's gating is
// observable.
type fakeRunner struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) Submit(ctx context.Context, jobID int64, inputFile, workDir string, threads int) (Handle, error) {
	n := f.inFlight.Add(1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	f.inFlight.Add(-1)
	return Handle("h"), nil
}

func (f *fakeRunner) Status(context.Context, Handle) (Status, error) { return StatusCompleted, nil }
func (f *fakeRunner) Cancel(context.Context, Handle) (bool, error)   { return false, nil }
func (f *fakeRunner) RetrieveResults(context.Context, Handle, string, bool) error {
	return nil
}
func (f *fakeRunner) OutputStream(context.Context, Handle) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func TestGatedSubmitLimitsInFlight(t *testing.T) {
	backend := &fakeRunner{}
	gated := NewGated(backend, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := gated.Submit(context.Background(), id, "input.d12", t.TempDir(), 1)
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	assert.LessOrEqual(t, backend.peak.Load(), int32(2))
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{MaxConcurrentJobs: 2}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, "crystal", cfg.DFTCode)
	assert.Equal(t, 4, cfg.DefaultThreads)

	bad := &Config{MaxConcurrentJobs: 0}
	assert.Error(t, bad.Validate())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	backend := &fakeRunner{}
	reg.Register("local", backend)

	got, err := reg.Get("local")
	require.NoError(t, err)
	assert.Same(t, backend, got)

	_, err = reg.Get("slurm")
	assert.Error(t, err)
	assert.ElementsMatch(t, []string{"local"}, reg.Types())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusUnknown.IsTerminal())
}
