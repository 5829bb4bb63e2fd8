// Package db dispatches store driver construction by profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/internal/profile"
	"github.com/hrygo/crystalflow/store"
	"github.com/hrygo/crystalflow/store/db/sqlite"
)

// NewDBDriver creates the storage driver for the given profile. The engine is
// backed by a single-file SQLite database in WAL mode; the DSN names the file.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	driver, err := sqlite.NewDB(profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sqlite driver")
	}
	return driver, nil
}
