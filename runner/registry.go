package runner

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry maps runner-type tags ("local", "ssh", "slurm") to backends.
// Backends register at wiring time; the engine resolves by tag at dispatch.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func (r *Registry) Register(runnerType string, backend Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runnerType] = backend
}

func (r *Registry) Get(runnerType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.runners[runnerType]
	if !ok {
		return nil, errors.Errorf("no runner registered for type %q", runnerType)
	}
	return backend, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	return types
}
