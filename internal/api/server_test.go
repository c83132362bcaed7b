package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/MikeSquared-Agency/alfred/internal/hermes"
	"github.com/MikeSquared-Agency/alfred/internal/models"
	"github.com/MikeSquared-Agency/alfred/internal/store"
)

type recordedEvent struct {
	subject string
	data    any
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Publish(subject string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{subject, data})
	return nil
}

func (r *recorder) count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.subject == subject {
			n++
		}
	}
	return n
}

func newTestServer(t *testing.T, cfg Config) (*Server, *recorder) {
	t.Helper()
	cfg.ExposeMagicToken = true
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:3000"
	}
	events := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, store.NewMemory(), NewTokens([]byte("test-secret"), time.Hour), events, logger)
	return srv, events
}

func do(t *testing.T, srv *Server, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func signInByEmail(t *testing.T, srv *Server, email string) models.AuthResponse {
	t.Helper()
	w := do(t, srv, "POST", "/api/auth/magic-link", "", map[string]string{"email": email})
	if w.Code != http.StatusOK {
		t.Fatalf("magic-link: expected 200, got %d: %s", w.Code, w.Body)
	}
	link := decode[models.AuthResponse](t, w)

	w = do(t, srv, "GET", "/api/auth/verify?token="+url.QueryEscape(link.Token), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body)
	}
	return decode[models.AuthResponse](t, w)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := do(t, srv, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := do(t, srv, "GET", "/api/v1/alfred/status", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["agent"] != "alfred" {
		t.Errorf("expected agent alfred, got %v", body["agent"])
	}
	if body["database"] != "ok" {
		t.Errorf("expected database ok, got %v", body["database"])
	}
	if body["google"] != false {
		t.Errorf("expected google disabled, got %v", body["google"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := do(t, srv, "GET", "/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMagicLink_RoundTrip(t *testing.T) {
	srv, events := newTestServer(t, Config{})

	w := do(t, srv, "POST", "/api/auth/magic-link", "", map[string]string{"email": "Ada@Example.com"})
	link := decode[models.AuthResponse](t, w)
	if !link.Success || link.Message != "Magic link sent to Ada@Example.com" {
		t.Fatalf("unexpected magic-link response %+v", link)
	}

	w = do(t, srv, "GET", "/api/auth/verify?token="+link.Token, "", nil)
	auth := decode[models.AuthResponse](t, w)
	if !auth.Success || auth.Message != "Authentication successful" {
		t.Fatalf("unexpected verify response %+v", auth)
	}
	if auth.User == nil || auth.User.Email != "ada@example.com" || auth.User.ID == "" {
		t.Errorf("unexpected user %+v", auth.User)
	}
	if _, err := srv.tokens.Parse(auth.Token); err != nil {
		t.Errorf("issued token does not parse: %v", err)
	}
	if events.count(hermes.SubjectUserSignedIn) != 1 {
		t.Error("expected a signed-in event")
	}

	w = do(t, srv, "GET", "/api/auth/verify?token="+link.Token, "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected reused token to fail with 400, got %d", w.Code)
	}
	if body := decode[statusResponse](t, w); body.Message != "Invalid or expired token" {
		t.Errorf("unexpected message %q", body.Message)
	}
}

func TestMagicLink_SameEmailSameAccount(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	first := signInByEmail(t, srv, "ada@example.com")
	second := signInByEmail(t, srv, "ADA@example.com")
	if first.User.ID != second.User.ID {
		t.Errorf("expected the same account, got %s and %s", first.User.ID, second.User.ID)
	}
}

func TestMagicLink_Expired(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := do(t, srv, "POST", "/api/auth/magic-link", "", map[string]string{"email": "ada@example.com"})
	link := decode[models.AuthResponse](t, w)

	srv.magic.now = func() time.Time { return time.Now().Add(magicLinkTTL + time.Minute) }

	w = do(t, srv, "GET", "/api/auth/verify?token="+link.Token, "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if body := decode[statusResponse](t, w); body.Message != "Token expired" {
		t.Errorf("unexpected message %q", body.Message)
	}
}

func TestMagicLink_InvalidEmail(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := do(t, srv, "POST", "/api/auth/magic-link", "", map[string]string{"email": "not an email"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestMagicLink_TokenHiddenByDefault(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	srv.cfg.ExposeMagicToken = false

	w := do(t, srv, "POST", "/api/auth/magic-link", "", map[string]string{"email": "ada@example.com"})
	if link := decode[models.AuthResponse](t, w); link.Token != "" {
		t.Error("token must not be echoed")
	}
}

func localSnapshot(t0 time.Time) models.LocalData {
	return models.LocalData{
		Conversations: []models.Conversation{
			{ID: "local-a", Title: "Trip", CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)},
		},
		Messages: []models.Message{
			{ID: "msg-1", ConversationID: "local-a", Role: models.RoleUser, Content: "hi", CreatedAt: t0},
			{ID: "msg-2", ConversationID: "local-a", Role: models.RoleAssistant, Content: "hello", CreatedAt: t0.Add(time.Minute)},
		},
		UserState: models.UserState{IsAnonymous: true, InteractionCount: 1, DeviceID: "device-1"},
	}
}

func TestMigrate_RequiresSession(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	req := models.MigrationRequest{UserID: "x", LocalData: localSnapshot(time.Now())}
	if w := do(t, srv, "POST", "/api/auth/migrate", "", req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/auth/migrate", "garbage", req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	srv, events := newTestServer(t, Config{})
	auth := signInByEmail(t, srv, "ada@example.com")
	req := models.MigrationRequest{UserID: "device-1", LocalData: localSnapshot(time.Now().UTC())}

	for i := 0; i < 2; i++ {
		w := do(t, srv, "POST", "/api/auth/migrate", auth.Token, req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d: %s", i, w.Code, w.Body)
		}
		resp := decode[models.MigrationResponse](t, w)
		if !resp.Success || resp.Message != "Data migrated successfully" {
			t.Fatalf("unexpected response %+v", resp)
		}
		if *resp.MigratedConversations != 1 || *resp.MigratedMessages != 2 {
			t.Errorf("unexpected counts %d/%d", *resp.MigratedConversations, *resp.MigratedMessages)
		}
	}

	convs := decode[[]models.Conversation](t, do(t, srv, "GET", "/api/conversations/", auth.Token, nil))
	if len(convs) != 1 || convs[0].Title != "Trip" {
		t.Fatalf("expected one merged conversation, got %+v", convs)
	}
	msgs := decode[[]models.Message](t, do(t, srv, "GET", "/api/conversations/"+convs[0].ID+"/messages", auth.Token, nil))
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Errorf("expected both messages once in order, got %+v", msgs)
	}
	if events.count(hermes.SubjectMigrationCompleted) != 2 {
		t.Errorf("expected an event per unkeyed merge, got %d", events.count(hermes.SubjectMigrationCompleted))
	}
}

func TestMigrate_ReplaysIdempotencyKey(t *testing.T) {
	srv, events := newTestServer(t, Config{})
	auth := signInByEmail(t, srv, "ada@example.com")
	body, _ := json.Marshal(models.MigrationRequest{UserID: "device-1", LocalData: localSnapshot(time.Now().UTC())})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/auth/migrate", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+auth.Token)
		req.Header.Set("Idempotency-Key", "key-1")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, w.Code)
		}
		resp := decode[models.MigrationResponse](t, w)
		if *resp.MigratedConversations != 1 || *resp.MigratedMessages != 2 {
			t.Errorf("attempt %d: unexpected counts", i)
		}
	}
	if n := events.count(hermes.SubjectMigrationCompleted); n != 1 {
		t.Errorf("expected replay to skip the event, got %d events", n)
	}
}

func TestMigrate_BadPayload(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	auth := signInByEmail(t, srv, "ada@example.com")

	req := httptest.NewRequest("POST", "/api/auth/migrate", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = do(t, srv, "POST", "/api/auth/migrate", auth.Token, models.MigrationRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing userId, got %d", w.Code)
	}
}

func TestConversations_CRUD(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	auth := signInByEmail(t, srv, "ada@example.com")

	w := do(t, srv, "POST", "/api/conversations/", auth.Token, map[string]string{"title": "Plans"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	conv := decode[models.Conversation](t, w)

	w = do(t, srv, "POST", "/api/conversations/"+conv.ID+"/messages", auth.Token, map[string]string{"role": "user", "content": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}

	w = do(t, srv, "POST", "/api/conversations/"+conv.ID+"/messages", auth.Token, map[string]string{"role": "robot", "content": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad role, got %d", w.Code)
	}

	w = do(t, srv, "PATCH", "/api/conversations/"+conv.ID, auth.Token, map[string]string{"title": "Renamed"})
	if body := decode[statusResponse](t, w); !body.Success || body.Message != "Conversation updated" {
		t.Errorf("unexpected rename response %+v", body)
	}

	convs := decode[[]models.Conversation](t, do(t, srv, "GET", "/api/conversations/", auth.Token, nil))
	if len(convs) != 1 || convs[0].Title != "Renamed" {
		t.Fatalf("unexpected conversations %+v", convs)
	}

	other := signInByEmail(t, srv, "bob@example.com")
	if w := do(t, srv, "GET", "/api/conversations/"+conv.ID+"/messages", other.Token, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected other users to get 404, got %d", w.Code)
	}

	w = do(t, srv, "DELETE", "/api/conversations/"+conv.ID, auth.Token, nil)
	if body := decode[statusResponse](t, w); body.Message != "Conversation deleted" {
		t.Errorf("unexpected delete response %+v", body)
	}
	if w := do(t, srv, "GET", "/api/conversations/"+conv.ID+"/messages", auth.Token, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/conversations/local-123", auth.Token, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a local id, got %d", w.Code)
	}
}

func TestLogout_RevokesToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	auth := signInByEmail(t, srv, "ada@example.com")

	if w := do(t, srv, "GET", "/api/conversations/", auth.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 before logout, got %d", w.Code)
	}
	w := do(t, srv, "POST", "/api/auth/logout", auth.Token, nil)
	if body := decode[statusResponse](t, w); !body.Success || body.Message != "Logged out successfully" {
		t.Fatalf("unexpected logout response %+v", body)
	}
	if w := do(t, srv, "GET", "/api/conversations/", auth.Token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/auth/logout", "", nil); w.Code != http.StatusOK {
		t.Errorf("expected anonymous logout to succeed, got %d", w.Code)
	}
}

func TestGoogle_NotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	w := do(t, srv, "GET", "/api/auth/google", "", nil)
	body := decode[statusResponse](t, w)
	if body.Success || body.Message != "Google sign-in is not configured. Use email authentication." {
		t.Errorf("unexpected response %+v", body)
	}
}

func newGoogleStub(t *testing.T, verified bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"email":          "grace@example.com",
			"email_verified": verified,
			"name":           "Grace",
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func googleConfig(ts *httptest.Server) Config {
	return Config{
		Google: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURL:  "http://localhost:3000/api/auth/google/callback",
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   ts.URL + "/auth",
				TokenURL:  ts.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		GoogleUserInfoURL: ts.URL + "/userinfo",
	}
}

func startGoogle(t *testing.T, srv *Server) string {
	t.Helper()
	w := do(t, srv, "GET", "/api/auth/google", "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("expected state in redirect")
	}
	return state
}

func TestGoogle_CallbackSignsIn(t *testing.T) {
	ts := newGoogleStub(t, true)
	srv, events := newTestServer(t, googleConfig(ts))

	state := startGoogle(t, srv)
	w := do(t, srv, "GET", "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	auth := decode[models.AuthResponse](t, w)
	if auth.User == nil || auth.User.Email != "grace@example.com" || auth.User.Name != "Grace" || auth.Token == "" {
		t.Errorf("unexpected auth response %+v", auth)
	}
	if events.count(hermes.SubjectUserSignedIn) != 1 {
		t.Error("expected a signed-in event")
	}

	w = do(t, srv, "GET", "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected reused state to fail, got %d", w.Code)
	}
}

func TestGoogle_CallbackFailures(t *testing.T) {
	ts := newGoogleStub(t, false)
	srv, _ := newTestServer(t, googleConfig(ts))

	if w := do(t, srv, "GET", "/api/auth/google/callback?code=good-code&state=forged", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", w.Code)
	}

	state := startGoogle(t, srv)
	if w := do(t, srv, "GET", "/api/auth/google/callback?code=bad-code&state="+url.QueryEscape(state), "", nil); w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for failed exchange, got %d", w.Code)
	}

	state = startGoogle(t, srv)
	if w := do(t, srv, "GET", "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unverified email, got %d", w.Code)
	}
}
