// Package models holds the conversation, identity and migration types shared
// by the device-side store, the migration coordinator and the server.
package models

import (
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Id prefixes for the device-local id space. Server ids are UUIDs and never
// carry these prefixes.
const (
	LocalConversationPrefix = "local-"
	LocalMessagePrefix      = "msg-"
)

// IsLocalID reports whether id was generated on a device rather than issued
// by the server.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalConversationPrefix) || strings.HasPrefix(id, LocalMessagePrefix)
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// UserState is the per-device record of an anonymous user.
type UserState struct {
	IsAnonymous      bool      `json:"isAnonymous"`
	InteractionCount int       `json:"interactionCount"`
	FirstVisit       time.Time `json:"firstVisit"`
	LastVisit        time.Time `json:"lastVisit"`
	DeviceID         string    `json:"deviceId"`
}

// AuthIdentity is the cached copy of a server-owned account.
type AuthIdentity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// LocalData is a point-in-time snapshot of everything the device holds.
type LocalData struct {
	Conversations []Conversation `json:"conversations"`
	Messages      []Message      `json:"messages"`
	UserState     UserState      `json:"userState"`
}

// MigrationResult is the receipt of one migration attempt. It is never
// persisted.
type MigrationResult struct {
	Success               bool `json:"success"`
	MigratedConversations int  `json:"migratedConversations"`
	MigratedMessages      int  `json:"migratedMessages"`

	// Skipped is set when there was nothing to migrate and no request was sent.
	Skipped bool `json:"-"`
	// CountMismatch is set when the server acknowledged a different number of
	// conversations than the snapshot held.
	CountMismatch bool `json:"-"`
}

// AuthResponse is returned by every identity exchange endpoint.
type AuthResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	User    *AuthIdentity `json:"user,omitempty"`
	Token   string        `json:"token,omitempty"`
}

// MigrationRequest is the body of POST /api/auth/migrate.
type MigrationRequest struct {
	UserID    string    `json:"userId"`
	LocalData LocalData `json:"localData"`
}

// MigrationResponse is the server's answer to a MigrationRequest.
type MigrationResponse struct {
	Success               bool   `json:"success"`
	Message               string `json:"message"`
	MigratedConversations *int   `json:"migratedConversations,omitempty"`
	MigratedMessages      *int   `json:"migratedMessages,omitempty"`
}
