// Package migration moves an anonymous device's local history into the
// signed-in account once the identity exchange has succeeded.
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/alfred/internal/identity"
	"github.com/MikeSquared-Agency/alfred/internal/localstore"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

// DefaultTimeout bounds one submission when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrIdentityRejected is returned when the identity exchange did not yield a
// verified user.
var ErrIdentityRejected = errors.New("identity exchange rejected")

type Kind int

const (
	// NetworkFailure covers transport errors and timeouts.
	NetworkFailure Kind = iota + 1
	// Rejected means the server answered with success=false.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case NetworkFailure:
		return "network_failure"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Error is a failed migration attempt. Local data is always intact when an
// Error is returned.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migration %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("migration %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Migrator submits a snapshot to the server merge endpoint.
type Migrator interface {
	Migrate(ctx context.Context, token, idempotencyKey string, req models.MigrationRequest) (*models.MigrationResponse, error)
}

type Coordinator struct {
	store    *localstore.Store
	state    *identity.State
	migrator Migrator
	timeout  time.Duration
	logger   *slog.Logger
}

func New(store *localstore.Store, state *identity.State, migrator Migrator, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		store:    store,
		state:    state,
		migrator: migrator,
		timeout:  timeout,
		logger:   logger,
	}
}

// CompleteSignIn takes the result of a magic-link or OAuth exchange. A
// successful response with a user caches the identity and runs the
// migration.
func (c *Coordinator) CompleteSignIn(ctx context.Context, resp models.AuthResponse) (*models.MigrationResult, error) {
	if !resp.Success || resp.User == nil {
		if resp.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrIdentityRejected, resp.Message)
		}
		return nil, ErrIdentityRejected
	}
	if err := c.state.BeginSignIn(*resp.User, resp.Token); err != nil {
		return nil, fmt.Errorf("cache identity: %w", err)
	}
	c.logger.Info("identity verified", "user_id", resp.User.ID)
	return c.migrate(ctx)
}

// Resume finishes a migration interrupted by a restart. It is a no-op when no
// identity is cached, or when the session is authenticated and nothing is
// left locally.
func (c *Coordinator) Resume(ctx context.Context) (*models.MigrationResult, error) {
	snap := c.state.Snapshot()
	if snap.User == nil {
		return nil, nil
	}
	if snap.Status == identity.Authenticated {
		has, err := c.store.HasLocalData()
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, nil
		}
		c.logger.Warn("authenticated session still holds local data, re-submitting")
	}
	return c.migrate(ctx)
}

// Retry re-attempts a failed migration for the cached identity.
func (c *Coordinator) Retry(ctx context.Context) (*models.MigrationResult, error) {
	if c.state.Snapshot().User == nil {
		return nil, identity.ErrNoIdentity
	}
	return c.migrate(ctx)
}

func (c *Coordinator) migrate(ctx context.Context) (*models.MigrationResult, error) {
	lease, err := c.store.BeginMigration()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	has, err := lease.HasLocalData()
	if err != nil {
		return nil, fmt.Errorf("check local data: %w", err)
	}
	if !has {
		// Drop the anonymous counter along with any leftover records.
		if err := lease.Clear(); err != nil {
			c.logger.Warn("failed to clear local records", "error", err)
		}
		if err := c.state.Authenticate(); err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		c.logger.Info("no local data, migration skipped")
		return &models.MigrationResult{Success: true, Skipped: true}, nil
	}

	data, err := lease.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot local data: %w", err)
	}
	key, err := IdempotencyKey(data)
	if err != nil {
		return nil, err
	}
	req := models.MigrationRequest{UserID: data.UserState.DeviceID, LocalData: data}

	submitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.migrator.Migrate(submitCtx, c.state.Snapshot().Token, key, req)
	if err != nil {
		c.logger.Warn("migration request failed, local data kept", "error", err)
		return nil, &Error{Kind: NetworkFailure, Retryable: true, Err: err}
	}
	if !resp.Success {
		c.logger.Warn("migration rejected, local data kept", "message", resp.Message)
		return nil, &Error{Kind: Rejected, Retryable: true, Message: resp.Message}
	}

	result := &models.MigrationResult{
		Success:               true,
		MigratedConversations: deref(resp.MigratedConversations),
		MigratedMessages:      deref(resp.MigratedMessages),
	}
	if result.MigratedConversations != len(data.Conversations) {
		result.CountMismatch = true
		c.logger.Warn("migration count mismatch",
			"sent_conversations", len(data.Conversations),
			"migrated_conversations", result.MigratedConversations,
			"sent_messages", len(data.Messages),
			"migrated_messages", result.MigratedMessages,
		)
	}

	if err := lease.Clear(); err != nil {
		// The merge is idempotent, so Resume can safely re-submit later.
		c.logger.Error("failed to clear migrated local data", "error", err)
	}
	if err := c.state.Authenticate(); err != nil {
		return result, fmt.Errorf("authenticate: %w", err)
	}

	c.logger.Info("migration completed",
		"conversations", result.MigratedConversations,
		"messages", result.MigratedMessages,
	)
	return result, nil
}

// IdempotencyKey identifies a submission by device and snapshot content. The
// same snapshot always yields the same key.
func IdempotencyKey(data models.LocalData) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(data.UserState.DeviceID))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
