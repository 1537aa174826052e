package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kanban-engine/storage"
)

// watch <board>: reprint the board whenever another collaborator commits.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <board>",
		Short: "Follow committed versions of a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rdb == nil {
				return errors.New("no redis configured. use --redis")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			updates, err := storage.NewPublisher(rdb, cfg.GetString("channel")).Subscribe(ctx)
			if err != nil {
				return err
			}
			b, err := boards.FetchBoard(ctx, args[0])
			if err != nil {
				return err
			}
			renderBoard(cmd.OutOrStdout(), b)

			for u := range updates {
				if u.BoardID != b.ID || u.Version <= b.Version {
					continue
				}
				next, err := boards.FetchBoard(ctx, b.ID)
				if err != nil {
					logger.WithError(err).WithField("board", b.ID).Warn("refresh failed")
					continue
				}
				b = next
				fmt.Fprintln(cmd.OutOrStdout())
				renderBoard(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
}
