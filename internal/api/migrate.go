package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/alfred/internal/apiclient"
	"github.com/MikeSquared-Agency/alfred/internal/hermes"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

const maxMigrationBody = 32 << 20

// migrate handles POST /api/auth/migrate. Merging is keyed by device-local
// ids, so a repeated request never duplicates records. A repeated
// Idempotency-Key is answered with the first attempt's counts.
func (s *Server) migrate(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxMigrationBody)
	var req models.MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid migration payload")
		return
	}
	// userId is the anonymous device id. The account comes from the session.
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	key := r.Header.Get(apiclient.IdempotencyHeader)
	deviceID := req.UserID

	result, err := s.backend.MergeLocalData(r.Context(), userID, deviceID, key, req.LocalData)
	if err != nil {
		s.logger.Error("migration merge failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to migrate data")
		return
	}

	s.logger.Info("local data migrated",
		"user_id", userID,
		"device_id", deviceID,
		"conversations", result.Conversations,
		"messages", result.Messages,
		"dropped_messages", result.DroppedMessages,
		"replayed", result.Replayed,
	)
	if !result.Replayed {
		s.publish(hermes.SubjectMigrationCompleted, hermes.MigrationCompleted{
			UserID:                userID.String(),
			DeviceID:              deviceID,
			IdempotencyKey:        key,
			MigratedConversations: result.Conversations,
			MigratedMessages:      result.Messages,
			DroppedMessages:       result.DroppedMessages,
			Replayed:              result.Replayed,
			Timestamp:             time.Now().UTC(),
		})
	}

	convs, msgs := result.Conversations, result.Messages
	writeJSON(w, http.StatusOK, models.MigrationResponse{
		Success:               true,
		Message:               "Data migrated successfully",
		MigratedConversations: &convs,
		MigratedMessages:      &msgs,
	})
}
