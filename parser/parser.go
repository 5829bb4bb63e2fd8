// Package parser defines the output-parser contract. One implementation per
// DFT code, selected by the job's code tag; parsers are pure with respect to
// file contents and perform no side effects.
package parser

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ConvergenceStatus classifies how a calculation ended.
type ConvergenceStatus string

const (
	Converged    ConvergenceStatus = "CONVERGED"
	NotConverged ConvergenceStatus = "NOT_CONVERGED"
	ParseFailed  ConvergenceStatus = "FAILED"
	Unknown      ConvergenceStatus = "UNKNOWN"
)

// Result is the structured record extracted from a completed job's work
// directory.
type Result struct {
	FinalEnergy       *float64
	EnergyUnit        string
	ConvergenceStatus ConvergenceStatus
	SCFCycles         *int
	GeometryConverged *bool
	Errors            []string
	Warnings          []string
	Metadata          map[string]any
}

// Func maps a work directory to a Result.
type Func func(ctx context.Context, workDir string) (*Result, error)

// Registry resolves parsers by DFT-code tag.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Func)}
}

func (r *Registry) Register(dftCode string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[dftCode] = fn
}

func (r *Registry) Get(dftCode string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.parsers[dftCode]
	if !ok {
		return nil, errors.Errorf("no parser registered for DFT code %q", dftCode)
	}
	return fn, nil
}
