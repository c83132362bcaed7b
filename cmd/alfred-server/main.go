package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/MikeSquared-Agency/alfred/internal/api"
	"github.com/MikeSquared-Agency/alfred/internal/config"
	"github.com/MikeSquared-Agency/alfred/internal/hermes"
	"github.com/MikeSquared-Agency/alfred/internal/store"
)

func main() {
	cfg := config.LoadServer()
	config.SetupServerLogging(cfg.LogLevel)

	slog.Info("alfred server starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	var backend api.Backend
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, accounts and migrated data are kept in memory")
		backend = store.NewMemory()
	} else {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		backend = db
		slog.Info("database connected")
	}

	// Session tokens
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			slog.Error("failed to generate session secret", "error", err)
			os.Exit(1)
		}
		slog.Warn("ALFRED_JWT_SECRET not set, sessions will not survive a restart")
	}
	tokens := api.NewTokens(secret, cfg.TokenTTL)

	// NATS/Hermes (optional)
	events := hermes.Discard
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		events = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, events are not published")
	}

	apiCfg := api.Config{
		Port:             cfg.Port,
		ExposeMagicToken: cfg.ExposeMagicToken,
		PublicURL:        cfg.PublicURL,
	}
	if cfg.GoogleEnabled() {
		apiCfg.Google = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     api.GoogleEndpoint,
		}
		slog.Info("google sign-in enabled", "redirect_url", cfg.GoogleRedirectURL)
	}
	if cfg.ExposeMagicToken {
		slog.Warn("magic-link tokens are echoed in responses, do not use in production")
	}

	// HTTP API
	srv := api.NewServer(apiCfg, backend, tokens, events, slog.Default())
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("alfred server ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	slog.Info("alfred server stopped")
}
