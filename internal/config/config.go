package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	secretService   = "stmcp"
	hubTokenAccount = "hub_token"
)

type Config struct {
	Server  ServerConfig
	Hub     HubConfig
	Context ContextConfig
	Search  SearchConfig
	Batch   BatchConfig
	Retry   RetryConfig
	Errors  ErrorsConfig
	Journal JournalConfig
	Intent  IntentConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// HTTP enables the REST API next to the MCP stdio transport.
	HTTP bool
}

type HubConfig struct {
	BaseURL    string
	Token      string
	LocationID string
	RateLimit  float64
	Timeout    time.Duration
}

type ContextConfig struct {
	StatusTTL      time.Duration
	EvictAfterTurn int
	EvictThreshold int
	IdleTimeout    time.Duration
}

type SearchConfig struct {
	Limit int
}

type BatchConfig struct {
	Concurrency int
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

type ErrorsConfig struct {
	HistoryLimit int
}

type JournalConfig struct {
	Retention time.Duration
}

type IntentConfig struct {
	// MappingFile replaces the built-in command mapping when set.
	MappingFile string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level onto slog. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
			HTTP: true,
		},
		Hub: HubConfig{
			BaseURL:   "https://api.smartthings.com",
			RateLimit: 10,
			Timeout:   15 * time.Second,
		},
		Context: ContextConfig{
			StatusTTL:      300 * time.Second,
			EvictAfterTurn: 20,
			EvictThreshold: 10,
			IdleTimeout:    30 * time.Minute,
		},
		Search:  SearchConfig{Limit: 5},
		Batch:   BatchConfig{Concurrency: 4},
		Retry:   RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond},
		Errors:  ErrorsConfig{HistoryLimit: 256},
		Journal: JournalConfig{Retention: 720 * time.Hour},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads configuration from the YAML config file, environment
// variables, and the platform secret store.
//
// The file lives at $XDG_CONFIG_HOME/stmcp/config.yaml and holds a flat map
// of dotted keys. Environment variables (STMCP_*) override file values. The
// hub token is looked up in the secret store when neither sets it: macOS
// Keychain on darwin, $XDG_DATA_HOME/stmcp/secrets.yaml elsewhere.
//
// Load does not require a hub token; call Validate before talking to the hub.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret store reads for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Hub.Token == "" && kc != nil {
		if tok, err := kc.Get(secretService, hubTokenAccount); err == nil && tok != "" {
			cfg.Hub.Token = tok
		}
	}

	return cfg, nil
}

// Validate reports configuration that would stop the server from working.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Hub.Token == "" {
		errs = append(errs, fmt.Errorf("missing required config: SmartThings token. "+
			"Set it via environment variable STMCP_HUB_TOKEN%s", tokenHint()))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Hub.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("hub.rate_limit must be positive, got %v", cfg.Hub.RateLimit))
	}
	if cfg.Batch.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("batch.concurrency must be positive, got %d", cfg.Batch.Concurrency))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", cfg.Retry.MaxAttempts))
	}
	return errors.Join(errs...)
}
