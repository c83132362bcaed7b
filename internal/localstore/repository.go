package localstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoRecord is returned by a Repository when a named record does not exist.
var ErrNoRecord = errors.New("no record")

// Repository is a key-value store of named records. Every backend keeps the
// same contract so the storage medium can change without touching the store.
type Repository interface {
	// Get returns a copy of the record stored under name.
	Get(name string) ([]byte, error)
	// Update runs fn in a transaction. Either every Put/Delete in fn is
	// applied or none is.
	Update(fn func(tx Tx) error) error
	Close() error
}

// Tx is the read-write view handed to Repository.Update.
type Tx interface {
	Get(name string) ([]byte, error)
	Put(name string, value []byte) error
	Delete(name string) error
}

// Backend names accepted by Open.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open creates the repository for driver inside dir.
func Open(driver, dir string) (Repository, error) {
	if driver == DriverMemory {
		return NewMemoryRepository(), nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch driver {
	case DriverBolt, "":
		return OpenBolt(filepath.Join(dir, "alfred.bolt"))
	case DriverSQLite:
		return OpenSQLite(filepath.Join(dir, "alfred.db"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
