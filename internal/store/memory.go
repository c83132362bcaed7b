package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/alfred/internal/models"
)

type memConversation struct {
	models.Conversation
	userID  uuid.UUID
	localID string
}

type memMessage struct {
	models.Message
	localID string
}

// Memory is an in-process implementation with the same semantics as Store.
// It backs the server when DATABASE_URL is unset.
type Memory struct {
	mu            sync.Mutex
	users         map[uuid.UUID]*User
	byEmail       map[string]uuid.UUID
	conversations map[uuid.UUID]*memConversation
	messages      map[uuid.UUID][]memMessage
	migrations    map[string]MergeResult
	revoked       map[string]time.Time
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:         map[uuid.UUID]*User{},
		byEmail:       map[string]uuid.UUID{},
		conversations: map[uuid.UUID]*memConversation{},
		messages:      map[uuid.UUID][]memMessage{},
		migrations:    map[string]MergeResult{},
		revoked:       map[string]time.Time{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) UpsertUser(_ context.Context, email, name string) (*User, bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, false, fmt.Errorf("%w: empty email", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byEmail[email]; ok {
		u := m.users[id]
		if name != "" {
			u.Name = name
		}
		cp := *u
		return &cp, false, nil
	}
	u := &User{ID: uuid.New(), Email: email, Name: name, CreatedAt: m.now()}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	cp := *u
	return &cp, true, nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *Memory) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.revoked[jti]
	return ok && exp.After(m.now()), nil
}

func (m *Memory) ListConversations(_ context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Conversation{}
	for _, c := range m.conversations {
		if c.userID == userID {
			out = append(out, c.Conversation)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) CreateConversation(_ context.Context, userID uuid.UUID, title string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	id := uuid.New()
	c := &memConversation{
		Conversation: models.Conversation{ID: id.String(), Title: titleOrDefault(title), CreatedAt: now, UpdatedAt: now},
		userID:       userID,
	}
	m.conversations[id] = c
	out := c.Conversation
	return &out, nil
}

func (m *Memory) RenameConversation(_ context.Context, userID, id uuid.UUID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.userID != userID {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = later(c.UpdatedAt, m.now())
	return nil
}

func (m *Memory) DeleteConversation(_ context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.userID != userID {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, userID, conversationID uuid.UUID) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok || c.userID != userID {
		return nil, ErrNotFound
	}
	out := make([]models.Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		out = append(out, msg.Message)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AddMessage(_ context.Context, userID, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalid, role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok || c.userID != userID {
		return nil, ErrNotFound
	}
	c.UpdatedAt = later(c.UpdatedAt, m.now())
	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID.String(),
		Role:           role,
		Content:        content,
		CreatedAt:      c.UpdatedAt,
	}
	m.messages[conversationID] = append(m.messages[conversationID], memMessage{Message: msg})
	return &msg, nil
}

func (m *Memory) MergeLocalData(_ context.Context, userID uuid.UUID, deviceID, idempotencyKey string, data models.LocalData) (*MergeResult, error) {
	convs, msgs, dropped := partitionSnapshot(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if prior, ok := m.migrations[userID.String()+"/"+idempotencyKey]; ok {
			prior.Replayed = true
			return &prior, nil
		}
	}

	serverIDs := make(map[string]uuid.UUID, len(convs))
	for _, c := range convs {
		existing := m.findByLocalID(userID, c.ID)
		if existing == nil {
			id := uuid.New()
			existing = &memConversation{
				Conversation: models.Conversation{ID: id.String(), CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt},
				userID:       userID,
				localID:      c.ID,
			}
			m.conversations[id] = existing
		}
		existing.Title = titleOrDefault(c.Title)
		existing.UpdatedAt = later(existing.UpdatedAt, c.UpdatedAt)
		serverIDs[c.ID] = uuid.MustParse(existing.ID)
	}

	for _, msg := range msgs {
		convID := serverIDs[msg.ConversationID]
		if m.hasLocalMessage(convID, msg.ID) {
			continue
		}
		m.messages[convID] = append(m.messages[convID], memMessage{
			Message: models.Message{
				ID:             uuid.New().String(),
				ConversationID: convID.String(),
				Role:           msg.Role,
				Content:        msg.Content,
				CreatedAt:      msg.CreatedAt,
			},
			localID: msg.ID,
		})
	}

	result := MergeResult{Conversations: len(convs), Messages: len(msgs), DroppedMessages: dropped}
	if idempotencyKey != "" {
		m.migrations[userID.String()+"/"+idempotencyKey] = result
	}
	return &result, nil
}

func (m *Memory) findByLocalID(userID uuid.UUID, localID string) *memConversation {
	for _, c := range m.conversations {
		if c.userID == userID && c.localID == localID {
			return c
		}
	}
	return nil
}

func (m *Memory) hasLocalMessage(convID uuid.UUID, localID string) bool {
	for _, msg := range m.messages[convID] {
		if msg.localID == localID {
			return true
		}
	}
	return false
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
