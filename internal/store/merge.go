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

// MergeLocalData folds a device snapshot into the user's account.
//
// Conversations are keyed by (user, local id) and messages by (conversation,
// local id), so submitting the same snapshot twice leaves one copy of each.
// Messages whose conversation is not in the snapshot are dropped.
func (s *Store) MergeLocalData(ctx context.Context, userID uuid.UUID, deviceID, idempotencyKey string, data models.LocalData) (*MergeResult, error) {
	convs, msgs, dropped := partitionSnapshot(data)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		var prior MergeResult
		err := tx.QueryRow(ctx, `
			SELECT migrated_conversations, migrated_messages, dropped_messages
			FROM migrations WHERE user_id = $1 AND idempotency_key = $2`,
			userID, idempotencyKey,
		).Scan(&prior.Conversations, &prior.Messages, &prior.DroppedMessages)
		if err == nil {
			prior.Replayed = true
			return &prior, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	serverIDs := make(map[string]uuid.UUID, len(convs))
	for _, c := range convs {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO conversations (id, user_id, local_id, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, local_id) DO UPDATE SET
				title = EXCLUDED.title,
				updated_at = GREATEST(conversations.updated_at, EXCLUDED.updated_at)
			RETURNING id`,
			uuid.New(), userID, c.ID, titleOrDefault(c.Title), c.CreatedAt, c.UpdatedAt,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
		serverIDs[c.ID] = id
	}

	for _, m := range msgs {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, local_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conversation_id, local_id) DO NOTHING`,
			uuid.New(), serverIDs[m.ConversationID], m.ID, string(m.Role), m.Content, m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	result := &MergeResult{Conversations: len(convs), Messages: len(msgs), DroppedMessages: dropped}

	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO migrations (id, user_id, device_id, idempotency_key, migrated_conversations, migrated_messages, dropped_messages)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		uuid.New(), userID, deviceID, key, result.Conversations, result.Messages, result.DroppedMessages,
	)
	if err != nil {
		return nil, fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// partitionSnapshot keeps the first occurrence of every conversation and
// message id, and drops messages that are orphaned or carry an unknown role.
func partitionSnapshot(data models.LocalData) ([]models.Conversation, []models.Message, int) {
	seen := make(map[string]bool, len(data.Conversations))
	convs := make([]models.Conversation, 0, len(data.Conversations))
	for _, c := range data.Conversations {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		c.CreatedAt, c.UpdatedAt = normalizeTimes(c.CreatedAt, c.UpdatedAt)
		convs = append(convs, c)
	}

	seenMsg := make(map[string]bool, len(data.Messages))
	msgs := make([]models.Message, 0, len(data.Messages))
	dropped := 0
	for _, m := range data.Messages {
		if m.ID == "" || !seen[m.ConversationID] || !m.Role.Valid() {
			dropped++
			continue
		}
		if seenMsg[m.ID] {
			continue
		}
		seenMsg[m.ID] = true
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		msgs = append(msgs, m)
	}
	return convs, msgs, dropped
}

func normalizeTimes(created, updated time.Time) (time.Time, time.Time) {
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.Before(created) {
		updated = created
	}
	return created, updated
}

func titleOrDefault(title string) string {
	if title == "" {
		return defaultTitle
	}
	return title
}
