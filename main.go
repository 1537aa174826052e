package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-engine/api"
	"kanban-engine/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(storage.RedisOptions(cfg.RedisConnectionString))
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; running without cache, idempotency or update notifications")
	}

	opts := []storage.Option{storage.WithRetries(cfg.CommitRetries), storage.WithLogger(logger)}
	if rc != nil {
		opts = append(opts, storage.WithPublisher(storage.NewPublisher(rc, cfg.UpdatesChannel)))
	}
	var store api.Storage = storage.New(repo, opts...)
	var deduper api.Deduper
	if rc != nil {
		store = storage.NewCache(store, rc, cfg.BoardCacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
		ExposeHeaders: []string{api.HeaderReplayed},
	}))

	api.Register(e, store, auth, deduper, logger)

	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}

func openRepository(cfg config) (storage.Repository, error) {
	switch cfg.StorageBackend {
	case backendSQLite:
		return storage.NewSQLiteRepository(cfg.SQLitePath)
	default:
		repo, err := storage.NewTableRepository(cfg.StorageConnectionString, cfg.BoardsTable)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := repo.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("ensure table %s: %w", cfg.BoardsTable, err)
		}
		return repo, nil
	}
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.LocalAuthSharedSecret != "" {
		return api.NewAuth(nil, api.AuthConfig{
			Audience:     cfg.Auth0Audience,
			SharedSecret: cfg.LocalAuthSharedSecret,
		}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: cfg.JWKSCacheTTL})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthConfig{
		Audience:    cfg.Auth0Audience,
		Issuer:      "https://" + cfg.Auth0Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}
