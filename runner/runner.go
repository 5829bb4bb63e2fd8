// Package runner defines the execution-backend contract. The engine treats
// local processes, SSH hosts, and SLURM sites uniformly through this
// interface and assumes nothing about transport.
package runner

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
)

// Handle is an opaque, runner-specific job identifier. Handles are not
// retained across process restarts.
type Handle string

// Status is the backend's view of a submitted job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN"
)

// IsTerminal reports whether the backend will report no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Runner is the five-operation capability every backend provides.
//
// OutputStream returns a finite, non-restartable sequence of output lines; the
// channel is closed when the job reaches a terminal state. RetrieveResults may
// be a no-op when dest equals the work directory.
type Runner interface {
	Submit(ctx context.Context, jobID int64, inputFile string, workDir string, threads int) (Handle, error)
	Status(ctx context.Context, handle Handle) (Status, error)
	Cancel(ctx context.Context, handle Handle) (bool, error)
	OutputStream(ctx context.Context, handle Handle) (<-chan string, error)
	RetrieveResults(ctx context.Context, handle Handle, dest string, cleanup bool) error
}

// Config carries the settings shared by all backend types.
type Config struct {
	Name              string
	DFTCode           string
	ExecutablePath    string
	Env               map[string]string
	ScratchDir        string
	DefaultThreads    int
	MaxConcurrentJobs int
	CleanupOnSuccess  bool
	CleanupOnFailure  bool
}

// Validate normalizes the config and rejects unusable values.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DFTCode == "" {
		c.DFTCode = "crystal"
	}
	if c.DefaultThreads <= 0 {
		c.DefaultThreads = 4
	}
	if c.MaxConcurrentJobs < 1 {
		return errors.Errorf("runner %s: max_concurrent_jobs must be >= 1, got %d", c.Name, c.MaxConcurrentJobs)
	}
	if c.ScratchDir != "" && !filepath.IsAbs(c.ScratchDir) {
		abs, err := filepath.Abs(c.ScratchDir)
		if err != nil {
			return errors.Wrapf(err, "runner %s: unable to resolve scratch dir", c.Name)
		}
		c.ScratchDir = abs
	}
	return nil
}
