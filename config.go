package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	backendTables = "tables"
	backendSQLite = "sqlite"
)

type config struct {
	Debug      bool
	ListenAddr string

	StorageBackend          string
	StorageConnectionString string
	BoardsTable             string
	SQLitePath              string
	CommitRetries           int

	RedisConnectionString string
	BoardCacheTTL         time.Duration
	DeduperTTL            time.Duration
	UpdatesChannel        string

	Auth0Domain           string
	Auth0Audience         string
	LocalAuthSharedSecret string
	JWKSCacheTTL          time.Duration
}

// loadConfig reads the server configuration from the environment.
func loadConfig() (config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DEBUG", false)
	v.SetDefault("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")
	v.SetDefault("STORAGE_BACKEND", backendTables)
	v.SetDefault("BOARDS_TABLE", "Boards")
	v.SetDefault("SQLITE_PATH", "kanban.db")
	v.SetDefault("COMMIT_RETRIES", 5)
	v.SetDefault("BOARD_CACHE_TTL", "30s")
	v.SetDefault("DEDUPER_TTL", "24h")
	v.SetDefault("UPDATES_CHANNEL", "board-updates")
	v.SetDefault("JWKS_CACHE_TTL", "5m")

	cfg := config{
		Debug:                   v.GetBool("DEBUG"),
		ListenAddr:              ":" + v.GetString("FUNCTIONS_CUSTOMHANDLER_PORT"),
		StorageBackend:          strings.ToLower(v.GetString("STORAGE_BACKEND")),
		StorageConnectionString: v.GetString("STORAGE_CONNECTION_STRING"),
		BoardsTable:             v.GetString("BOARDS_TABLE"),
		SQLitePath:              v.GetString("SQLITE_PATH"),
		CommitRetries:           v.GetInt("COMMIT_RETRIES"),
		RedisConnectionString:   v.GetString("REDIS_CONNECTION_STRING"),
		UpdatesChannel:          v.GetString("UPDATES_CHANNEL"),
		Auth0Domain:             v.GetString("AUTH0_DOMAIN"),
		Auth0Audience:           v.GetString("AUTH0_AUDIENCE"),
		LocalAuthSharedSecret:   v.GetString("LOCAL_AUTH_SHARED_SECRET"),
	}

	var err error
	if cfg.BoardCacheTTL, err = duration(v, "BOARD_CACHE_TTL", true); err != nil {
		return config{}, err
	}
	if cfg.DeduperTTL, err = duration(v, "DEDUPER_TTL", false); err != nil {
		return config{}, err
	}
	if cfg.JWKSCacheTTL, err = duration(v, "JWKS_CACHE_TTL", false); err != nil {
		return config{}, err
	}
	return cfg, cfg.validate()
}

func duration(v *viper.Viper, key string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}

func (c config) validate() error {
	switch c.StorageBackend {
	case backendTables:
		if c.StorageConnectionString == "" || c.BoardsTable == "" {
			return errors.New("missing storage config")
		}
	case backendSQLite:
		if c.SQLitePath == "" {
			return errors.New("missing SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.CommitRetries < 0 {
		return errors.New("invalid COMMIT_RETRIES: must not be negative")
	}
	if c.LocalAuthSharedSecret == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		return errors.New("missing Auth0 config")
	}
	return nil
}
