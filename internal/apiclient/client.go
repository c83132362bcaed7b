// Package apiclient talks to the Alfred server: identity exchange, the
// migration endpoint and the authenticated conversation API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/alfred/internal/models"
)

// IdempotencyHeader carries the submission key on POST /api/auth/migrate.
const IdempotencyHeader = "Idempotency-Key"

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// StatusError is a non-2xx answer whose body was not a usable payload.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// SendMagicLink asks the server to email a sign-in link.
func (c *Client) SendMagicLink(ctx context.Context, email string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/magic-link", "", nil, map[string]string{"email": email}, &out)
	return authResult(&out, err)
}

// VerifyMagicLink exchanges a magic-link token for a verified identity.
func (c *Client) VerifyMagicLink(ctx context.Context, token string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	path := "/api/auth/verify?token=" + url.QueryEscape(token)
	err := c.do(ctx, http.MethodGet, path, "", nil, nil, &out)
	return authResult(&out, err)
}

// GoogleSignInURL is where a browser should be sent to start Google sign-in.
func (c *Client) GoogleSignInURL() string {
	return c.baseURL + "/api/auth/google"
}

// GoogleCallback completes the OAuth exchange with the code and state Google
// redirected with.
func (c *Client) GoogleCallback(ctx context.Context, code, state string) (*models.AuthResponse, error) {
	q := url.Values{"code": {code}, "state": {state}}
	var out models.AuthResponse
	err := c.do(ctx, http.MethodGet, "/api/auth/google/callback?"+q.Encode(), "", nil, nil, &out)
	return authResult(&out, err)
}

// Logout revokes the session token.
func (c *Client) Logout(ctx context.Context, token string) error {
	var out models.AuthResponse
	return c.do(ctx, http.MethodPost, "/api/auth/logout", token, nil, nil, &out)
}

// Migrate submits a snapshot to the merge endpoint. A success=false payload
// is returned without error; transport failures and 5xx answers are errors.
func (c *Client) Migrate(ctx context.Context, token, idempotencyKey string, req models.MigrationRequest) (*models.MigrationResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[IdempotencyHeader] = idempotencyKey
	}
	var out models.MigrationResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/migrate", token, headers, req, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return &models.MigrationResponse{Success: false, Message: se.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConversations(ctx context.Context, token string) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", token, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, token, title string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", token, nil, map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RenameConversation(ctx context.Context, token, id, title string) error {
	var out models.AuthResponse
	return c.do(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(id), token, nil, map[string]string{"title": title}, &out)
}

func (c *Client) DeleteConversation(ctx context.Context, token, id string) error {
	var out models.AuthResponse
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), token, nil, nil, &out)
}

func (c *Client) ListMessages(ctx context.Context, token, conversationID string) ([]models.Message, error) {
	var out []models.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, token, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddMessage(ctx context.Context, token, conversationID string, role models.Role, content string) (*models.Message, error) {
	var out models.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	body := map[string]string{"role": string(role), "content": content}
	if err := c.do(ctx, http.MethodPost, path, token, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp models.AuthResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return &StatusError{Code: resp.StatusCode, Message: errResp.Message}
		}
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// authResult turns a 4xx from an identity endpoint into a success=false
// response so callers can show the server's message.
func authResult(out *models.AuthResponse, err error) (*models.AuthResponse, error) {
	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return &models.AuthResponse{Success: false, Message: se.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
