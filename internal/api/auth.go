package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/MikeSquared-Agency/alfred/internal/hermes"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

const (
	magicLinkTTL      = 10 * time.Minute
	oauthStateTTL     = 10 * time.Minute
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// GoogleEndpoint is Google's OAuth 2.0 endpoint.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

var (
	errUnknownToken = errors.New("Invalid or expired token")
	errExpiredToken = errors.New("Token expired")
)

type pendingLink struct {
	email   string
	expires time.Time
}

// magicLinks holds single-use sign-in tokens in memory.
type magicLinks struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	tokens map[string]pendingLink
}

func newMagicLinks(ttl time.Duration) *magicLinks {
	return &magicLinks{ttl: ttl, now: time.Now, tokens: map[string]pendingLink{}}
}

func (m *magicLinks) issue(email string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for t, p := range m.tokens {
		if now.After(p.expires) {
			delete(m.tokens, t)
		}
	}
	m.tokens[token] = pendingLink{email: email, expires: now.Add(m.ttl)}
	return token, nil
}

func (m *magicLinks) consume(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tokens[token]
	if !ok {
		return "", errUnknownToken
	}
	delete(m.tokens, token)
	if m.now().After(p.expires) {
		return "", errExpiredToken
	}
	return p.email, nil
}

// oauthStates tracks the state values handed to Google.
type oauthStates struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	states map[string]time.Time
}

func newOAuthStates(ttl time.Duration) *oauthStates {
	return &oauthStates{ttl: ttl, now: time.Now, states: map[string]time.Time{}}
}

func (o *oauthStates) issue() (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[state] = o.now().Add(o.ttl)
	return state, nil
}

func (o *oauthStates) consume(state string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.states[state]
	delete(o.states, state)
	return ok && o.now().Before(exp)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type magicLinkRequest struct {
	Email string `json:"email"`
}

// sendMagicLink handles POST /api/auth/magic-link.
func (s *Server) sendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	token, err := s.magic.issue(addr.Address)
	if err != nil {
		s.logger.Error("magic link generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	link := strings.TrimRight(s.cfg.PublicURL, "/") + "/auth/verify?token=" + token
	s.logger.Info("magic link issued", "email", addr.Address)
	s.logger.Debug("magic link", "link", link)

	resp := models.AuthResponse{Success: true, Message: "Magic link sent to " + addr.Address}
	if s.cfg.ExposeMagicToken {
		resp.Token = token
	}
	writeJSON(w, http.StatusOK, resp)
}

// verifyMagicLink handles GET /api/auth/verify?token=.
func (s *Server) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	email, err := s.magic.consume(token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.signIn(w, r, email, "", "magic_link")
}

// googleSignIn handles GET /api/auth/google.
func (s *Server) googleSignIn(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Google == nil {
		writeError(w, http.StatusOK, "Google sign-in is not configured. Use email authentication.")
		return
	}
	state, err := s.states.issue()
	if err != nil {
		s.logger.Error("oauth state generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, s.cfg.Google.AuthCodeURL(state, oauth2.AccessTypeOnline), http.StatusFound)
}

type googleUserInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// googleCallback handles GET /api/auth/google/callback?code=&state=.
func (s *Server) googleCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Google == nil {
		writeError(w, http.StatusOK, "Google sign-in is not configured. Use email authentication.")
		return
	}
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !s.states.consume(q.Get("state")) {
		writeError(w, http.StatusBadRequest, "invalid or expired OAuth state")
		return
	}

	tok, err := s.cfg.Google.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn("google code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "Google sign-in failed")
		return
	}

	info, err := s.fetchGoogleUser(r, tok)
	if err != nil {
		s.logger.Warn("google userinfo failed", "error", err)
		writeError(w, http.StatusBadGateway, "Google sign-in failed")
		return
	}
	if info.Email == "" || !info.EmailVerified {
		writeError(w, http.StatusBadRequest, "Google account has no verified email")
		return
	}
	s.signIn(w, r, info.Email, info.Name, "google")
}

func (s *Server) fetchGoogleUser(r *http.Request, tok *oauth2.Token) (*googleUserInfo, error) {
	client := s.cfg.Google.Client(r.Context(), tok)
	resp, err := client.Get(s.cfg.GoogleUserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}

// signIn finds or creates the account and answers with a session token.
func (s *Server) signIn(w http.ResponseWriter, r *http.Request, email, name, method string) {
	user, created, err := s.backend.UpsertUser(r.Context(), email, name)
	if err != nil {
		s.logger.Error("upsert user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token, _, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		s.logger.Error("issue token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("user signed in", "user_id", user.ID, "method", method, "new_user", created)
	s.publish(hermes.SubjectUserSignedIn, hermes.UserSignedIn{
		UserID:    user.ID.String(),
		Email:     user.Email,
		Method:    method,
		NewUser:   created,
		Timestamp: time.Now().UTC(),
	})

	writeJSON(w, http.StatusOK, models.AuthResponse{
		Success: true,
		Message: "Authentication successful",
		User:    &models.AuthIdentity{ID: user.ID.String(), Email: user.Email, Name: user.Name},
		Token:   token,
	})
}

// logout handles POST /api/auth/logout. A valid bearer token is revoked
// until it would have expired.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if raw := bearerToken(r); raw != "" {
		if claims, err := s.tokens.Parse(raw); err == nil {
			if err := s.backend.RevokeToken(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
				s.logger.Error("revoke token failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}
	}
	writeOK(w, "Logged out successfully")
}
