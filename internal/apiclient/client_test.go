package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MikeSquared-Agency/alfred/internal/models"
)

func TestVerifyMagicLink_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("token") != "abc+/=" {
			t.Errorf("token not escaped correctly: %q", r.URL.Query().Get("token"))
		}
		json.NewEncoder(w).Encode(models.AuthResponse{
			Success: true,
			Message: "Authentication successful",
			User:    &models.AuthIdentity{ID: "u1", Email: "ada@example.com"},
			Token:   "jwt",
		})
	}))
	defer server.Close()

	resp, err := New(server.URL).VerifyMagicLink(context.Background(), "abc+/=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.User == nil || resp.User.Email != "ada@example.com" || resp.Token != "jwt" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestVerifyMagicLink_ExpiredToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Token expired"})
	}))
	defer server.Close()

	resp, err := New(server.URL).VerifyMagicLink(context.Background(), "old")
	if err != nil {
		t.Fatalf("4xx should come back as a payload, got %v", err)
	}
	if resp.Success || resp.Message != "Token expired" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestMigrate_SendsTokenAndIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/migrate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer jwt" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get(IdempotencyHeader) != "key-1" {
			t.Errorf("expected idempotency key, got %q", r.Header.Get(IdempotencyHeader))
		}

		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, ok := body["userId"]; !ok {
			t.Error("missing userId")
		}
		var local map[string]json.RawMessage
		json.Unmarshal(body["localData"], &local)
		for _, k := range []string{"conversations", "messages", "userState"} {
			if _, ok := local[k]; !ok {
				t.Errorf("localData missing %s", k)
			}
		}

		json.NewEncoder(w).Encode(map[string]any{
			"success":               true,
			"message":               "Data migrated successfully",
			"migratedConversations": 1,
			"migratedMessages":      3,
		})
	}))
	defer server.Close()

	req := models.MigrationRequest{
		UserID: "anon-1",
		LocalData: models.LocalData{
			Conversations: []models.Conversation{{ID: "local-1-a"}},
			Messages:      []models.Message{},
		},
	}
	resp, err := New(server.URL).Migrate(context.Background(), "jwt", "key-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.MigratedConversations == nil || *resp.MigratedConversations != 1 || *resp.MigratedMessages != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestMigrate_ServerErrorIsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	_, err := New(server.URL).Migrate(context.Background(), "jwt", "k", models.MigrationRequest{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestMigrate_UnauthorizedIsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "invalid session token"})
	}))
	defer server.Close()

	resp, err := New(server.URL).Migrate(context.Background(), "bad", "k", models.MigrationRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.Message != "invalid session token" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestMigrate_ContextCancelled(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-done
	}))
	defer server.Close()
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(server.URL).Migrate(ctx, "jwt", "k", models.MigrationRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConversationEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Conversation{{ID: "c1", Title: "Trip"}})
	})
	mux.HandleFunc("POST /api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(models.Message{ID: "m1", ConversationID: "c1", Role: models.Role(body["role"]), Content: body["content"]})
	})
	mux.HandleFunc("DELETE /api/conversations/c1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Conversation deleted"})
	})
	mux.HandleFunc("DELETE /api/conversations/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "conversation not found"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()

	convs, err := c.ListConversations(ctx, "jwt")
	if err != nil || len(convs) != 1 || convs[0].Title != "Trip" {
		t.Fatalf("ListConversations: %+v, %v", convs, err)
	}
	msg, err := c.AddMessage(ctx, "jwt", "c1", models.RoleUser, "hello")
	if err != nil || msg.Content != "hello" || msg.Role != models.RoleUser {
		t.Fatalf("AddMessage: %+v, %v", msg, err)
	}
	if err := c.DeleteConversation(ctx, "jwt", "c1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	err = c.DeleteConversation(ctx, "jwt", "missing")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound || se.Message != "conversation not found" {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}
