package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// maxHistoryPageSize mirrors the server-side cap on the messages
	// endpoint's limit parameter.
	maxHistoryPageSize = 100

	// MinAPIKeyLength is the shortest MCP_API_KEY accepted for HTTP.
	MinAPIKeyLength = 16
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// REST API base URL, e.g. https://app.example.com
	APIURL string `env:"CHAT_API_URL"`

	// WebSocket base URL. Derived from APIURL when empty.
	WSURL string `env:"CHAT_WS_URL"`

	// Account credentials used by the login command.
	Email    string `env:"CHAT_EMAIL"`
	Password string `env:"CHAT_PASSWORD"`

	// Explicit token sources. CHAT_TOKEN wins over CHAT_TOKEN_FILE, both
	// win over the token cached by the login command.
	Token     string `env:"CHAT_TOKEN"`
	TokenFile string `env:"CHAT_TOKEN_FILE"`

	// Real-time channel tuning.
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	TypingIdle           time.Duration `env:"TYPING_IDLE" envDefault:"3s"`
	TypingTTL            time.Duration `env:"TYPING_TTL" envDefault:"30s"`

	HistoryPageSize int           `env:"HISTORY_PAGE_SIZE" envDefault:"50"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Path of the bbolt state file. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// MCP over HTTP. Stdio is used when MCPListenAddr is empty.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		wsURL, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket url: %w", err)
		}

		cfg.WSURL = wsURL
	}

	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	if cfg.TokenFile != "" {
		abs, err := filepath.Abs(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file path: %w", err)
		}

		cfg.TokenFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an absolute http(s) URL")
	}

	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("CHAT_EMAIL and CHAT_PASSWORD must be set together")
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.TypingIdle <= 0 {
		return fmt.Errorf("TYPING_IDLE must be positive")
	}

	if c.TypingTTL < 0 {
		return fmt.Errorf("TYPING_TTL must not be negative")
	}

	if c.MCPListenAddr != "" && len(c.MCPAPIKey) < MinAPIKeyLength {
		return fmt.Errorf("MCP_API_KEY of at least %d characters is required with MCP_LISTEN_ADDR", MinAPIKeyLength)
	}

	if c.HistoryPageSize < 1 || c.HistoryPageSize > maxHistoryPageSize {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be between 1 and %d", maxHistoryPageSize)
	}

	return nil
}

// DeriveWSURL maps an http(s) API base URL onto the matching ws(s) URL.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// HasCredentials reports whether an email/password pair is configured.
func (c *Config) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
