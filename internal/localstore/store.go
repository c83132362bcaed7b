// Package localstore persists an anonymous user's conversations, messages and
// device metadata on the device, behind a swappable Repository.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/MikeSquared-Agency/alfred/internal/models"
)

var (
	ErrNotFound            = errors.New("conversation not found")
	ErrMigrationInProgress = errors.New("migration in progress")
	ErrMessageExists       = errors.New("message already exists")
	ErrInvalidRole         = errors.New("invalid message role")
)

// Record names. Nothing outside this package reads them directly.
const (
	keyConversations       = "alfred_conversations"
	keyMessages            = "alfred_messages"
	keyUserState           = "alfred_user_state"
	keyCurrentConversation = "alfred_current_conversation"
)

const defaultTitle = "New Conversation"

// Store is the device-local conversation store. It is safe for concurrent
// use; every read-modify-write runs under one mutex.
type Store struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	migrating     bool
	onInteraction func(count int)
}

func New(repo Repository, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// OnInteraction registers fn to be called after every counted interaction
// with the new interaction count.
func (s *Store) OnInteraction(fn func(count int)) {
	s.mu.Lock()
	s.onInteraction = fn
	s.mu.Unlock()
}

// CreateConversation creates a conversation with a fresh local id and makes
// it the current conversation.
func (s *Store) CreateConversation(title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return nil, ErrMigrationInProgress
	}

	if title == "" {
		title = defaultTitle
	}
	now := s.now()
	conv := models.Conversation{
		ID:        newLocalID(models.LocalConversationPrefix, now),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.repo.Update(func(tx Tx) error {
		convs, err := readRecord[[]models.Conversation](s.logger, tx.Get, keyConversations)
		if err != nil {
			return err
		}
		if err := writeRecord(tx, keyConversations, append(convs, conv)); err != nil {
			return err
		}
		return tx.Put(keyCurrentConversation, []byte(conv.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// GetConversations returns all conversations, most recently updated first.
func (s *Store) GetConversations() ([]models.Conversation, error) {
	convs, err := readRecord[[]models.Conversation](s.logger, s.repo.Get, keyConversations)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// GetConversation returns the conversation with the given id or ErrNotFound.
func (s *Store) GetConversation(id string) (*models.Conversation, error) {
	convs, err := readRecord[[]models.Conversation](s.logger, s.repo.Get, keyConversations)
	if err != nil {
		return nil, err
	}
	if i := indexConversation(convs, id); i >= 0 {
		return &convs[i], nil
	}
	return nil, ErrNotFound
}

// GetMessages returns the messages of a conversation in insertion order.
func (s *Store) GetMessages(conversationID string) ([]models.Message, error) {
	all, err := readRecord[[]models.Message](s.logger, s.repo.Get, keyMessages)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	for _, m := range all {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

// SaveMessage appends msg to its conversation and bumps the conversation's
// UpdatedAt. It does not advance the interaction counter.
func (s *Store) SaveMessage(msg models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return nil, ErrMigrationInProgress
	}
	return s.saveMessageLocked(msg)
}

func (s *Store) saveMessageLocked(msg models.Message) (*models.Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	now := s.now()
	if msg.ID == "" {
		msg.ID = newLocalID(models.LocalMessagePrefix, now)
	}

	err := s.repo.Update(func(tx Tx) error {
		convs, err := readRecord[[]models.Conversation](s.logger, tx.Get, keyConversations)
		if err != nil {
			return err
		}
		i := indexConversation(convs, msg.ConversationID)
		if i < 0 {
			return ErrNotFound
		}
		msgs, err := readRecord[[]models.Message](s.logger, tx.Get, keyMessages)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID == msg.ID {
				return fmt.Errorf("%w: %s", ErrMessageExists, msg.ID)
			}
		}

		// UpdatedAt never moves backwards, so a skewed clock cannot break
		// UpdatedAt >= CreatedAt.
		ts := now
		if ts.Before(convs[i].UpdatedAt) {
			ts = convs[i].UpdatedAt
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = ts
		}
		convs[i].UpdatedAt = ts

		if err := writeRecord(tx, keyMessages, append(msgs, msg)); err != nil {
			return err
		}
		return writeRecord(tx, keyConversations, convs)
	})
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &msg, nil
}

// CreateMessage builds and saves a message, then counts it as one
// interaction. It is the only path that advances the interaction counter.
func (s *Store) CreateMessage(conversationID string, role models.Role, content string) (*models.Message, error) {
	s.mu.Lock()
	if s.migrating {
		s.mu.Unlock()
		return nil, ErrMigrationInProgress
	}
	msg, err := s.saveMessageLocked(models.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	count, err := s.incrementLocked()
	hook := s.onInteraction
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to count interaction", "message_id", msg.ID, "error", err)
		return msg, nil
	}
	if hook != nil {
		hook(count)
	}
	return msg, nil
}

// DeleteConversation removes a conversation and all of its messages in one
// transaction.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return ErrMigrationInProgress
	}

	err := s.repo.Update(func(tx Tx) error {
		convs, err := readRecord[[]models.Conversation](s.logger, tx.Get, keyConversations)
		if err != nil {
			return err
		}
		i := indexConversation(convs, id)
		if i < 0 {
			return ErrNotFound
		}
		convs = append(convs[:i], convs[i+1:]...)

		msgs, err := readRecord[[]models.Message](s.logger, tx.Get, keyMessages)
		if err != nil {
			return err
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ConversationID != id {
				kept = append(kept, m)
			}
		}

		if err := writeRecord(tx, keyConversations, convs); err != nil {
			return err
		}
		if err := writeRecord(tx, keyMessages, kept); err != nil {
			return err
		}
		if cur, err := tx.Get(keyCurrentConversation); err == nil && string(cur) == id {
			return tx.Delete(keyCurrentConversation)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// GetUserState returns the device's user state, creating it on first access.
func (s *Store) GetUserState() (models.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state models.UserState
	err := s.repo.Update(func(tx Tx) error {
		var err error
		state, err = s.loadUserState(tx)
		return err
	})
	return state, err
}

// ResetInteractions zeroes the interaction counter for a new anonymous
// session. The device id is kept.
func (s *Store) ResetInteractions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return ErrMigrationInProgress
	}

	err := s.repo.Update(func(tx Tx) error {
		state, err := s.loadUserState(tx)
		if err != nil {
			return err
		}
		state.InteractionCount = 0
		state.IsAnonymous = true
		return writeRecord(tx, keyUserState, state)
	})
	if err != nil {
		return fmt.Errorf("reset interaction count: %w", err)
	}
	return nil
}

func (s *Store) incrementLocked() (int, error) {
	var count int
	err := s.repo.Update(func(tx Tx) error {
		state, err := s.loadUserState(tx)
		if err != nil {
			return err
		}
		state.InteractionCount++
		state.LastVisit = s.now()
		count = state.InteractionCount
		return writeRecord(tx, keyUserState, state)
	})
	if err != nil {
		return 0, fmt.Errorf("increment interaction count: %w", err)
	}
	return count, nil
}

// loadUserState reads the user state, initialising and persisting a fresh
// one when absent or unreadable.
func (s *Store) loadUserState(tx Tx) (models.UserState, error) {
	raw, err := tx.Get(keyUserState)
	switch {
	case err == nil:
		var state models.UserState
		if jsonErr := json.Unmarshal(raw, &state); jsonErr != nil {
			s.logger.Warn("discarding corrupted record", "record", keyUserState, "error", jsonErr)
			break
		}
		if state.DeviceID != "" {
			return state, nil
		}
		state.DeviceID = newDeviceID()
		return state, writeRecord(tx, keyUserState, state)
	case !errors.Is(err, ErrNoRecord):
		return models.UserState{}, fmt.Errorf("read %s: %w", keyUserState, err)
	}

	now := s.now()
	state := models.UserState{
		IsAnonymous: true,
		FirstVisit:  now,
		LastVisit:   now,
		DeviceID:    newDeviceID(),
	}
	return state, writeRecord(tx, keyUserState, state)
}

// CurrentConversationID returns the id of the current conversation, or "".
func (s *Store) CurrentConversationID() (string, error) {
	raw, err := s.repo.Get(keyCurrentConversation)
	if errors.Is(err, ErrNoRecord) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", keyCurrentConversation, err)
	}
	return string(raw), nil
}

// SetCurrentConversation points the current conversation at id.
func (s *Store) SetCurrentConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return ErrMigrationInProgress
	}
	return s.repo.Update(func(tx Tx) error {
		convs, err := readRecord[[]models.Conversation](s.logger, tx.Get, keyConversations)
		if err != nil {
			return err
		}
		if indexConversation(convs, id) < 0 {
			return ErrNotFound
		}
		return tx.Put(keyCurrentConversation, []byte(id))
	})
}

// HasLocalData reports whether at least one conversation exists.
func (s *Store) HasLocalData() (bool, error) {
	convs, err := readRecord[[]models.Conversation](s.logger, s.repo.Get, keyConversations)
	if err != nil {
		return false, err
	}
	return len(convs) > 0, nil
}

// GetAllLocalData returns a snapshot of every conversation, message and the
// user state. Callers that go on to clear the store must hold a Lease.
func (s *Store) GetAllLocalData() (models.LocalData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() (models.LocalData, error) {
	var data models.LocalData
	err := s.repo.Update(func(tx Tx) error {
		var err error
		if data.Conversations, err = readRecord[[]models.Conversation](s.logger, tx.Get, keyConversations); err != nil {
			return err
		}
		if data.Messages, err = readRecord[[]models.Message](s.logger, tx.Get, keyMessages); err != nil {
			return err
		}
		data.UserState, err = s.loadUserState(tx)
		return err
	})
	if err != nil {
		return models.LocalData{}, fmt.Errorf("snapshot: %w", err)
	}
	if data.Conversations == nil {
		data.Conversations = []models.Conversation{}
	}
	if data.Messages == nil {
		data.Messages = []models.Message{}
	}
	return data, nil
}

// ClearAllLocalData irreversibly wipes the four local records.
func (s *Store) ClearAllLocalData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrating {
		return ErrMigrationInProgress
	}
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	err := s.repo.Update(func(tx Tx) error {
		for _, name := range []string{keyConversations, keyMessages, keyUserState, keyCurrentConversation} {
			if err := tx.Delete(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear local data: %w", err)
	}
	return nil
}

// readRecord decodes the JSON record stored under name. A missing or
// unreadable record yields the zero value.
func readRecord[T any](logger *slog.Logger, get func(string) ([]byte, error), name string) (T, error) {
	var v T
	raw, err := get(name)
	if errors.Is(err, ErrNoRecord) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("discarding corrupted record", "record", name, "error", err)
		var zero T
		return zero, nil
	}
	return v, nil
}

func writeRecord(tx Tx, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return tx.Put(name, raw)
}

func indexConversation(convs []models.Conversation, id string) int {
	for i, c := range convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// newLocalID builds ids like "local-1718000000000-3hT9xk2Qa". The prefix keeps
// them disjoint from server-issued UUIDs.
func newLocalID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%d-%s", prefix, now.UnixMilli(), shortuuid.New()[:9])
}

func newDeviceID() string {
	return "anon-" + shortuuid.New()
}
