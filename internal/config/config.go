package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Server is the configuration of alfred-server.
type Server struct {
	Port              int
	DatabaseURL       string
	NatsURL           string
	NatsToken         string
	LogLevel          string
	JWTSecret         string
	TokenTTL          time.Duration
	ExposeMagicToken  bool
	PublicURL         string
	GoogleClientID    string
	GoogleSecret      string
	GoogleRedirectURL string
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c Server) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleSecret != ""
}

func LoadServer() Server {
	cfg := Server{
		Port:              envInt("ALFRED_PORT", 8760),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		NatsURL:           envStr("NATS_URL", ""),
		NatsToken:         envStr("NATS_TOKEN", ""),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		JWTSecret:         envStr("ALFRED_JWT_SECRET", ""),
		TokenTTL:          envDuration("ALFRED_TOKEN_TTL", 30*24*time.Hour),
		ExposeMagicToken:  envBool("ALFRED_EXPOSE_MAGIC_TOKEN", false),
		PublicURL:         envStr("ALFRED_PUBLIC_URL", "http://localhost:3000"),
		GoogleClientID:    envStr("GOOGLE_CLIENT_ID", ""),
		GoogleSecret:      envStr("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL: envStr("GOOGLE_REDIRECT_URL", ""),
	}
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = strings.TrimRight(cfg.PublicURL, "/") + "/api/auth/google/callback"
	}
	return cfg
}

// Client is the configuration of the alfred CLI.
type Client struct {
	APIURL           string
	DataDir          string
	StoreDriver      string
	MigrationTimeout time.Duration
	LogFile          string
	LogLevel         string
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string
}

func LoadClient() Client {
	dataDir := envStr("ALFRED_DATA_DIR", defaultDataDir())
	return Client{
		APIURL:           envStr("ALFRED_API_URL", "http://localhost:8760"),
		DataDir:          dataDir,
		StoreDriver:      envStr("ALFRED_STORE_DRIVER", "bolt"),
		MigrationTimeout: envDuration("ALFRED_MIGRATION_TIMEOUT", 30*time.Second),
		LogFile:          envStr("ALFRED_LOG_FILE", filepath.Join(dataDir, "alfred.log")),
		LogLevel:         envStr("LOG_LEVEL", "warn"),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   envStr("ALFRED_MODEL", "claude-sonnet-4-20250514"),
		AnthropicBaseURL: envStr("ANTHROPIC_BASE_URL", ""),
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "alfred")
	}
	return ".alfred"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
