package hermes

import "time"

const (
	SubjectMigrationCompleted = "alfred.migration.completed"
	SubjectUserSignedIn       = "alfred.user.signed_in"
)

// MigrationCompleted is published after a merge has been committed.
type MigrationCompleted struct {
	UserID                string    `json:"user_id"`
	DeviceID              string    `json:"device_id"`
	IdempotencyKey        string    `json:"idempotency_key,omitempty"`
	MigratedConversations int       `json:"migrated_conversations"`
	MigratedMessages      int       `json:"migrated_messages"`
	DroppedMessages       int       `json:"dropped_messages"`
	Replayed              bool      `json:"replayed"`
	Timestamp             time.Time `json:"timestamp"`
}

// MessageID identifies a keyed merge, so replays of the same submission share
// one id.
func (e MigrationCompleted) MessageID() string {
	if e.IdempotencyKey == "" {
		return ""
	}
	return e.UserID + "/" + e.IdempotencyKey
}

// UserSignedIn is published when an identity exchange issues a session.
type UserSignedIn struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Method    string    `json:"method"`
	NewUser   bool      `json:"new_user"`
	Timestamp time.Time `json:"timestamp"`
}
