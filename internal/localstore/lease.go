package localstore

import (
	"sync"

	"github.com/MikeSquared-Agency/alfred/internal/models"
)

// Lease is exclusive write ownership of a Store for the duration of a
// migration. While a Lease is held every mutating Store call fails with
// ErrMigrationInProgress, so nothing can be written between Snapshot and
// Clear.
type Lease struct {
	store *Store
	once  sync.Once
}

// BeginMigration acquires the Lease. Only one Lease exists at a time.
func (s *Store) BeginMigration() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return nil, ErrMigrationInProgress
	}
	s.migrating = true
	return &Lease{store: s}, nil
}

// HasLocalData reports whether at least one conversation exists.
func (l *Lease) HasLocalData() (bool, error) {
	return l.store.HasLocalData()
}

// Snapshot returns the full local data set.
func (l *Lease) Snapshot() (models.LocalData, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.snapshotLocked()
}

// Clear wipes the local records.
func (l *Lease) Clear() error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.clearLocked()
}

// Release gives write ownership back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		l.store.migrating = false
		l.store.mu.Unlock()
	})
}
