// Package commands implements boardctl, a command line client for the board API.
package commands

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kanban-engine/client"
	"kanban-engine/coordinator"
	"kanban-engine/storage"
)

var (
	cfg    = viper.New()
	boards *client.Client
	rdb    *redis.Client
	logger = log.New()
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "boardctl",
		Short:        "Inspect and reorder kanban boards",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.GetBool("debug") {
				logger.SetLevel(log.DebugLevel)
			}
			base := cfg.GetString("api")
			if base == "" {
				return errors.New("api URL required (--api or KANBAN_API_URL)")
			}
			boards = client.NewClient(base, cfg.GetString("token"))
			rdb = nil
			if conn := cfg.GetString("redis"); conn != "" {
				rdb = redis.NewClient(storage.RedisOptions(conn))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rdb != nil {
				_ = rdb.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("api", "", "board API base URL (e.g. http://127.0.0.1:8080)")
	flags.String("token", "", "bearer token")
	flags.String("redis", "", "redis connection string, enables the board lock and watch")
	flags.Duration("timeout", coordinator.DefaultCommitTimeout, "commit timeout")
	flags.Duration("lock-ttl", 30*time.Second, "board lock lease")
	flags.String("channel", storage.DefaultUpdatesChannel, "update notification channel")
	flags.Bool("debug", false, "debug logging")

	bind := map[string]string{
		"api":      "KANBAN_API_URL",
		"token":    "KANBAN_TOKEN",
		"redis":    "REDIS_CONNECTION_STRING",
		"timeout":  "COMMIT_TIMEOUT",
		"lock-ttl": "MOVE_LOCK_TTL",
		"channel":  "UPDATES_CHANNEL",
		"debug":    "DEBUG",
	}
	for key, env := range bind {
		_ = cfg.BindPFlag(key, flags.Lookup(key))
		_ = cfg.BindEnv(key, env)
	}

	root.AddCommand(showCmd(), moveCardCmd(), moveListCmd(), watchCmd())
	return root
}

// newCoordinator loads the board behind a coordinator, taking the shared
// board lock when redis is configured.
func newCoordinator(cmd *cobra.Command, boardID string) (*coordinator.Coordinator, error) {
	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithCommitTimeout(cfg.GetDuration("timeout")),
	}
	if rdb != nil {
		opts = append(opts, coordinator.WithLock(storage.NewMoveLock(rdb, cfg.GetDuration("lock-ttl"))))
	}
	c := coordinator.New(boardID, boards, opts...)
	if _, err := c.Load(cmd.Context()); err != nil {
		return nil, err
	}
	return c, nil
}
