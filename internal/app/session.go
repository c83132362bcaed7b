// Package app wires the device-side components into one session with an
// explicit Open/Close lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/alfred/internal/anthropic"
	"github.com/MikeSquared-Agency/alfred/internal/apiclient"
	"github.com/MikeSquared-Agency/alfred/internal/chat"
	"github.com/MikeSquared-Agency/alfred/internal/config"
	"github.com/MikeSquared-Agency/alfred/internal/identity"
	"github.com/MikeSquared-Agency/alfred/internal/localstore"
	"github.com/MikeSquared-Agency/alfred/internal/migration"
	"github.com/MikeSquared-Agency/alfred/internal/models"
)

// ErrSignInFailed carries the server's message when an identity exchange is
// refused.
var ErrSignInFailed = errors.New("sign-in failed")

// Deps are the pieces a Session is built from.
type Deps struct {
	Repository       localstore.Repository
	API              *apiclient.Client
	Completer        chat.Completer
	MigrationTimeout time.Duration
	Logger           *slog.Logger
}

type Session struct {
	repo        localstore.Repository
	store       *localstore.Store
	state       *identity.State
	coordinator *migration.Coordinator
	api         *apiclient.Client
	responder   *chat.Responder
	logger      *slog.Logger
}

// Exchange is one user turn and the assistant's reply.
type Exchange struct {
	ConversationID string
	User           models.Message
	Reply          models.Message
	// NudgeRaised is set on the turn that surfaced the signup nudge.
	NudgeRaised bool
}

// Open builds a session from client configuration.
func Open(cfg config.Client, logger *slog.Logger) (*Session, error) {
	repo, err := localstore.Open(cfg.StoreDriver, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	var completer chat.Completer
	if cfg.AnthropicAPIKey != "" {
		c := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if cfg.AnthropicBaseURL != "" {
			c.SetBaseURL(cfg.AnthropicBaseURL)
		}
		completer = c
	}

	s, err := New(Deps{
		Repository:       repo,
		API:              apiclient.New(cfg.APIURL),
		Completer:        completer,
		MigrationTimeout: cfg.MigrationTimeout,
		Logger:           logger,
	})
	if err != nil {
		repo.Close()
		return nil, err
	}
	return s, nil
}

// New wires a session around an already opened repository. The session owns
// the repository from here on.
func New(d Deps) (*Session, error) {
	state, err := identity.Load(d.Repository, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	store := localstore.New(d.Repository, d.Logger)
	store.OnInteraction(func(count int) {
		if state.RecordInteraction(count) {
			d.Logger.Info("signup nudge raised")
		}
	})

	return &Session{
		repo:        d.Repository,
		store:       store,
		state:       state,
		coordinator: migration.New(store, state, d.API, d.MigrationTimeout, d.Logger),
		api:         d.API,
		responder:   chat.NewResponder(d.Completer, d.Logger),
		logger:      d.Logger,
	}, nil
}

func (s *Session) Close() error {
	return s.repo.Close()
}

func (s *Session) Identity() identity.Snapshot {
	return s.state.Snapshot()
}

// ShowNudge reports whether the signup prompt should be visible now.
func (s *Session) ShowNudge() bool {
	snap := s.state.Snapshot()
	return snap.Status == identity.Anonymous && snap.ShowSignupNudge
}

func (s *Session) DismissNudge() error {
	return s.state.DismissNudge()
}

func (s *Session) UserState() (models.UserState, error) {
	return s.store.GetUserState()
}

func (s *Session) DemoMode() bool {
	return s.responder.Demo()
}

func (s *Session) authenticated() (string, bool) {
	snap := s.state.Snapshot()
	return snap.Token, snap.Status == identity.Authenticated
}

// Send appends content to a conversation and stores the assistant's reply.
// An empty conversationID continues the current conversation, or starts one.
// Anonymous sessions write to the device; authenticated sessions to the
// server.
func (s *Session) Send(ctx context.Context, conversationID, content string) (*Exchange, error) {
	if token, ok := s.authenticated(); ok {
		return s.sendRemote(ctx, token, conversationID, content)
	}
	return s.sendLocal(ctx, conversationID, content)
}

func (s *Session) sendLocal(ctx context.Context, conversationID, content string) (*Exchange, error) {
	if conversationID == "" {
		current, err := s.store.CurrentConversationID()
		if err != nil {
			return nil, err
		}
		conversationID = current
	}
	if conversationID == "" {
		conv, err := s.store.CreateConversation("")
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ID
	} else if err := s.store.SetCurrentConversation(conversationID); err != nil {
		return nil, err
	}

	firedBefore := s.state.Snapshot().NudgeFired
	userMsg, err := s.store.CreateMessage(conversationID, models.RoleUser, content)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	raised := !firedBefore && s.state.Snapshot().NudgeFired

	history, err := s.store.GetMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	reply, err := s.store.SaveMessage(models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        s.responder.Reply(ctx, history),
	})
	if err != nil {
		return nil, fmt.Errorf("save reply: %w", err)
	}

	return &Exchange{ConversationID: conversationID, User: *userMsg, Reply: *reply, NudgeRaised: raised}, nil
}

func (s *Session) sendRemote(ctx context.Context, token, conversationID, content string) (*Exchange, error) {
	if conversationID == "" {
		conv, err := s.api.CreateConversation(ctx, token, "")
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ID
	}

	userMsg, err := s.api.AddMessage(ctx, token, conversationID, models.RoleUser, content)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	history, err := s.api.ListMessages(ctx, token, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	reply, err := s.api.AddMessage(ctx, token, conversationID, models.RoleAssistant, s.responder.Reply(ctx, history))
	if err != nil {
		return nil, fmt.Errorf("save reply: %w", err)
	}

	return &Exchange{ConversationID: conversationID, User: *userMsg, Reply: *reply}, nil
}

// NewConversation starts a conversation and makes it current.
func (s *Session) NewConversation(ctx context.Context, title string) (*models.Conversation, error) {
	if token, ok := s.authenticated(); ok {
		return s.api.CreateConversation(ctx, token, title)
	}
	return s.store.CreateConversation(title)
}

// Conversations lists the session's conversations, most recent first.
func (s *Session) Conversations(ctx context.Context) ([]models.Conversation, error) {
	if token, ok := s.authenticated(); ok {
		return s.api.ListConversations(ctx, token)
	}
	return s.store.GetConversations()
}

func (s *Session) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if token, ok := s.authenticated(); ok {
		return s.api.ListMessages(ctx, token, conversationID)
	}
	return s.store.GetMessages(conversationID)
}

func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if token, ok := s.authenticated(); ok {
		return s.api.DeleteConversation(ctx, token, conversationID)
	}
	return s.store.DeleteConversation(conversationID)
}

// RequestMagicLink asks the server to send a sign-in link to email.
func (s *Session) RequestMagicLink(ctx context.Context, email string) (*models.AuthResponse, error) {
	resp, err := s.api.SendMagicLink(ctx, email)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%w: %s", ErrSignInFailed, resp.Message)
	}
	return resp, nil
}

// VerifyMagicLink exchanges a magic-link token and migrates local data into
// the account.
func (s *Session) VerifyMagicLink(ctx context.Context, token string) (*models.MigrationResult, error) {
	resp, err := s.api.VerifyMagicLink(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verify magic link: %w", err)
	}
	return s.completeSignIn(ctx, resp)
}

// GoogleSignInURL is where the browser starts Google sign-in.
func (s *Session) GoogleSignInURL() string {
	return s.api.GoogleSignInURL()
}

// CompleteGoogleSignIn finishes the OAuth exchange and migrates local data.
func (s *Session) CompleteGoogleSignIn(ctx context.Context, code, state string) (*models.MigrationResult, error) {
	resp, err := s.api.GoogleCallback(ctx, code, state)
	if err != nil {
		return nil, fmt.Errorf("google callback: %w", err)
	}
	return s.completeSignIn(ctx, resp)
}

func (s *Session) completeSignIn(ctx context.Context, resp *models.AuthResponse) (*models.MigrationResult, error) {
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrSignInFailed, resp.Message)
	}
	return s.coordinator.CompleteSignIn(ctx, *resp)
}

// Resume finishes a migration interrupted by a restart. It is a no-op when
// nothing is pending.
func (s *Session) Resume(ctx context.Context) (*models.MigrationResult, error) {
	return s.coordinator.Resume(ctx)
}

// RetryMigration re-submits local data after a failed migration.
func (s *Session) RetryMigration(ctx context.Context) (*models.MigrationResult, error) {
	return s.coordinator.Retry(ctx)
}

// Logout revokes the server session and resets identity and the device
// interaction counter. Data already migrated stays on the server.
func (s *Session) Logout(ctx context.Context) error {
	if token := s.state.Snapshot().Token; token != "" {
		if err := s.api.Logout(ctx, token); err != nil {
			s.logger.Warn("server logout failed", "error", err)
		}
	}
	if err := s.store.ResetInteractions(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return s.state.Logout()
}
