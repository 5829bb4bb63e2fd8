package profile

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is the runtime configuration for the crystalflow engine.
type Profile struct {
	// Mode is "prod" or "dev".
	Mode string
	// Addr is the address the status server binds to. Empty binds all interfaces.
	Addr string
	// Port is the status server port. 0 disables the HTTP surface.
	Port int
	// Data is the directory holding the project database.
	Data string
	// DSN is the SQLite data source name. Defaults to <Data>/crystalflow.db.
	DSN string
	// ScratchBase overrides the scratch-directory root used for node work dirs.
	// When empty the CRY_SCRATCH_BASE / CRY23_SCRDIR / os.TempDir chain applies.
	ScratchBase string
	// DefaultMaxConcurrent is the concurrency cap applied to clusters that
	// have not declared their own.
	DefaultMaxConcurrent int
	// SchedulingIntervalSec is the queue manager tick, in seconds.
	SchedulingIntervalSec float64
	// MonitorIntervalSec is the orchestrator safety-net poll, in seconds.
	MonitorIntervalSec float64
	// EnableFairShare turns on submitter fair-share scoring.
	EnableFairShare bool
	// Version is the build version string.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// FromEnv overlays environment variables onto the profile. DSN and scratch
// base keep explicit flag values; CRYSTALFLOW_FAIR_SHARE, when it parses as a
// boolean, replaces the flag value.
func (p *Profile) FromEnv() {
	if v := os.Getenv("CRYSTALFLOW_DSN"); v != "" && p.DSN == "" {
		p.DSN = v
	}
	if v := os.Getenv("CRYSTALFLOW_FAIR_SHARE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.EnableFairShare = b
		}
	}
	if v := os.Getenv("CRY_SCRATCH_BASE"); v != "" && p.ScratchBase == "" {
		p.ScratchBase = v
	}
}

// Validate normalizes the profile and fills derived defaults.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" {
		p.Mode = "dev"
	}
	if p.Data == "" {
		p.Data = "."
	}
	absData, err := filepath.Abs(p.Data)
	if err != nil {
		return errors.Wrapf(err, "unable to resolve data directory %q", p.Data)
	}
	if fi, err := os.Stat(absData); err != nil {
		return errors.Wrapf(err, "data directory %q not accessible", absData)
	} else if !fi.IsDir() {
		return errors.Errorf("data path %q is not a directory", absData)
	}
	p.Data = absData

	if p.DSN == "" {
		p.DSN = filepath.Join(absData, "crystalflow.db")
	}
	if p.DefaultMaxConcurrent <= 0 {
		p.DefaultMaxConcurrent = 4
	}
	if p.SchedulingIntervalSec <= 0 {
		p.SchedulingIntervalSec = 1.0
	}
	if p.MonitorIntervalSec <= 0 {
		p.MonitorIntervalSec = 5.0
	}
	return nil
}
