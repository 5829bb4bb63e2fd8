package runner

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is the counted submission gate every backend holds while a job is in
// flight, keeping at most max_concurrent_jobs submissions active at once.
type Gate struct {
	sem *semaphore.Weighted
}

func NewGate(maxConcurrent int) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

func (g *Gate) Release() {
	g.sem.Release(1)
}

// Gated wraps a Runner so that Submit holds a gate slot until the submission
// call itself returns. Slot release on job completion is the backend's
// responsibility; this wrapper only bounds concurrent submit calls for
// backends that do not gate internally.
type Gated struct {
	Runner
	gate *Gate
}

func NewGated(r Runner, maxConcurrent int) *Gated {
	return &Gated{Runner: r, gate: NewGate(maxConcurrent)}
}

func (g *Gated) Submit(ctx context.Context, jobID int64, inputFile string, workDir string, threads int) (Handle, error) {
	if err := g.gate.Acquire(ctx); err != nil {
		return "", err
	}
	defer g.gate.Release()
	return g.Runner.Submit(ctx, jobID, inputFile, workDir, threads)
}
