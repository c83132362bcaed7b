package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/alfred/internal/models"
)

const defaultTitle = "New Conversation"

// ListConversations returns the user's conversations, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []models.Conversation{}
	for rows.Next() {
		var id uuid.UUID
		var c models.Conversation
		if err := rows.Scan(&id, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.ID = id.String()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateConversation(ctx context.Context, userID uuid.UUID, title string) (*models.Conversation, error) {
	if title == "" {
		title = defaultTitle
	}
	id := uuid.New()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		id, userID, title, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &models.Conversation{ID: id.String(), Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) RenameConversation(ctx context.Context, userID, id uuid.UUID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalid)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $1, updated_at = GREATEST(updated_at, now())
		WHERE id = $2 AND user_id = $3`,
		title, id, userID,
	)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation; its messages go with it.
func (s *Store) DeleteConversation(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, userID, conversationID uuid.UUID) ([]models.Message, error) {
	var owned bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&owned)
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if !owned {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		var id uuid.UUID
		m := models.Message{ConversationID: conversationID.String()}
		if err := rows.Scan(&id, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = id.String()
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMessage appends a message and bumps the conversation's updated_at.
func (s *Store) AddMessage(ctx context.Context, userID, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalid, role)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ts time.Time
	err = tx.QueryRow(ctx, `
		UPDATE conversations SET updated_at = GREATEST(updated_at, now())
		WHERE id = $1 AND user_id = $2
		RETURNING updated_at`,
		conversationID, userID,
	).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	id := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, conversationID, string(role), content, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &models.Message{
		ID:             id.String(),
		ConversationID: conversationID.String(),
		Role:           role,
		Content:        content,
		CreatedAt:      ts,
	}, nil
}
