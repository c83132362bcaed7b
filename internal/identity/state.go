// Package identity tracks whether the device session is anonymous or
// authenticated and owns the signup nudge.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MikeSquared-Agency/alfred/internal/localstore"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

// ErrNoIdentity is returned by Authenticate when no verified identity has
// been cached with BeginSignIn.
var ErrNoIdentity = errors.New("no verified identity")

const sessionKey = "alfred_auth_session"

type Status string

const (
	Anonymous     Status = "anonymous"
	Authenticated Status = "authenticated"
)

// Snapshot is a copy of the identity state at one point in time.
type Snapshot struct {
	Status           Status               `json:"status"`
	InteractionCount int                  `json:"interactionCount"`
	ShowSignupNudge  bool                 `json:"showSignupNudge"`
	NudgeFired       bool                 `json:"nudgeFired"`
	User             *models.AuthIdentity `json:"user,omitempty"`
	Token            string               `json:"token,omitempty"`
}

// Pending reports whether a verified identity is cached but migration has not
// yet completed.
func (s Snapshot) Pending() bool {
	return s.Status == Anonymous && s.User != nil
}

// State is the process-wide identity record. Every mutation is written
// through to the repository.
type State struct {
	repo   localstore.Repository
	logger *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

// Load restores the identity state from repo. A missing or unreadable record
// yields a fresh anonymous state.
func Load(repo localstore.Repository, logger *slog.Logger) (*State, error) {
	s := &State{repo: repo, logger: logger, snap: Snapshot{Status: Anonymous}}

	raw, err := repo.Get(sessionKey)
	if errors.Is(err, localstore.ErrNoRecord) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sessionKey, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Warn("discarding corrupted record", "record", sessionKey, "error", err)
		return s, nil
	}
	if snap.Status != Authenticated {
		snap.Status = Anonymous
	}
	s.snap = snap
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// RecordInteraction takes the device interaction count kept by the local
// store and evaluates the nudge rule against it. It returns true on the call
// that raised the nudge.
func (s *State) RecordInteraction(count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.InteractionCount = count
	raised := ShouldShowNudge(s.snap)
	if raised {
		s.snap.ShowSignupNudge = true
		s.snap.NudgeFired = true
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to persist identity state", "error", err)
	}
	return raised
}

// DismissNudge hides the nudge. The counter is kept and the nudge does not
// come back in the same anonymous session.
func (s *State) DismissNudge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ShowSignupNudge = false
	return s.saveLocked()
}

// BeginSignIn caches a verified identity and its session token. The status
// stays Anonymous until Authenticate.
func (s *State) BeginSignIn(user models.AuthIdentity, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.User = &user
	s.snap.Token = token
	return s.saveLocked()
}

// Authenticate moves the session to Authenticated. Only the migration
// coordinator calls it.
func (s *State) Authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.User == nil {
		return ErrNoIdentity
	}
	s.snap.Status = Authenticated
	s.snap.ShowSignupNudge = false
	return s.saveLocked()
}

// Logout resets to a fresh anonymous session. Migrated data is not restored.
func (s *State) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Status: Anonymous}
	return s.saveLocked()
}

func (s *State) copyLocked() Snapshot {
	out := s.snap
	if out.User != nil {
		u := *out.User
		out.User = &u
	}
	return out
}

func (s *State) saveLocked() error {
	raw, err := json.Marshal(s.snap)
	if err != nil {
		return fmt.Errorf("marshal identity state: %w", err)
	}
	if err := s.repo.Update(func(tx localstore.Tx) error {
		return tx.Put(sessionKey, raw)
	}); err != nil {
		return fmt.Errorf("save identity state: %w", err)
	}
	return nil
}
