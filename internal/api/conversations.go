package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/alfred/internal/models"
	"github.com/MikeSquared-Agency/alfred/internal/store"
)

type titleRequest struct {
	Title string `json:"title"`
}

type messageRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.backend.ListConversations(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.storeError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	conv, err := s.backend.CreateConversation(r.Context(), userIDFrom(r.Context()), req.Title)
	if err != nil {
		s.storeError(w, "create conversation", err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) renameConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.backend.RenameConversation(r.Context(), userIDFrom(r.Context()), id, req.Title); err != nil {
		s.storeError(w, "rename conversation", err)
		return
	}
	writeOK(w, "Conversation updated")
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if err := s.backend.DeleteConversation(r.Context(), userIDFrom(r.Context()), id); err != nil {
		s.storeError(w, "delete conversation", err)
		return
	}
	writeOK(w, "Conversation deleted")
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	msgs, err := s.backend.ListMessages(r.Context(), userIDFrom(r.Context()), id)
	if err != nil {
		s.storeError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msg, err := s.backend.AddMessage(r.Context(), userIDFrom(r.Context()), id, req.Role, req.Content)
	if err != nil {
		s.storeError(w, "add message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// conversationID parses the {id} path segment. Ids that are not UUIDs cannot
// name a server conversation and are answered with 404.
func conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
