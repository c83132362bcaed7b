// Package api serves identity exchange, the migration merge endpoint and the
// authenticated conversation API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/MikeSquared-Agency/alfred/internal/hermes"
	"github.com/MikeSquared-Agency/alfred/internal/models"
	"github.com/MikeSquared-Agency/alfred/internal/store"
)

// Backend is the persistence the server needs. *store.Store and
// *store.Memory implement it.
type Backend interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, email, name string) (*store.User, bool, error)
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	MergeLocalData(ctx context.Context, userID uuid.UUID, deviceID, idempotencyKey string, data models.LocalData) (*store.MergeResult, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, userID uuid.UUID, title string) (*models.Conversation, error)
	RenameConversation(ctx context.Context, userID, id uuid.UUID, title string) error
	DeleteConversation(ctx context.Context, userID, id uuid.UUID) error
	ListMessages(ctx context.Context, userID, conversationID uuid.UUID) ([]models.Message, error)
	AddMessage(ctx context.Context, userID, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error)
}

type Config struct {
	Port int
	// ExposeMagicToken echoes magic-link tokens in the response. Development
	// only.
	ExposeMagicToken bool
	// PublicURL is the web origin magic links point at.
	PublicURL string
	// Google enables Google sign-in when non-nil.
	Google *oauth2.Config
	// GoogleUserInfoURL overrides the OpenID userinfo endpoint.
	GoogleUserInfoURL string
}

type Server struct {
	router  *chi.Mux
	http    *http.Server
	cfg     Config
	backend Backend
	tokens  *Tokens
	events  hermes.Publisher
	logger  *slog.Logger
	magic   *magicLinks
	states  *oauthStates
}

func NewServer(cfg Config, backend Backend, tokens *Tokens, events hermes.Publisher, logger *slog.Logger) *Server {
	if events == nil {
		events = hermes.Discard
	}
	if cfg.GoogleUserInfoURL == "" {
		cfg.GoogleUserInfoURL = googleUserInfoURL
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		cfg:     cfg,
		backend: backend,
		tokens:  tokens,
		events:  events,
		logger:  logger,
		magic:   newMagicLinks(magicLinkTTL),
		states:  newOAuthStates(oauthStateTTL),
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/alfred/status", s.status)

	router.Route("/api/auth", func(r chi.Router) {
		r.Post("/magic-link", s.sendMagicLink)
		r.Get("/verify", s.verifyMagicLink)
		r.Get("/google", s.googleSignIn)
		r.Get("/google/callback", s.googleCallback)
		r.Post("/logout", s.logout)
		r.With(s.requireSession).Post("/migrate", s.migrate)
	})

	router.Route("/api/conversations", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/", s.listConversations)
		r.Post("/", s.createConversation)
		r.Patch("/{id}", s.renameConversation)
		r.Delete("/{id}", s.deleteConversation)
		r.Get("/{id}/messages", s.listMessages)
		r.Post("/{id}/messages", s.addMessage)
	})

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	if err := s.backend.Ping(r.Context()); err != nil {
		db = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":    "alfred",
		"status":   "ok",
		"database": db,
		"google":   s.cfg.Google != nil,
	})
}

// publish sends an event. Failures are logged and never surface to the
// caller.
func (s *Server) publish(subject string, data any) {
	if err := s.events.Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
