package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"kanban-engine/domain"
)

// show <board>: print the lists and cards of a board in order.
func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <board>",
		Short: "Print a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := boards.FetchBoard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderBoard(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

func renderBoard(w io.Writer, b domain.Board) {
	fmt.Fprintf(w, "%s (v%d)\n", b.Title, b.Version)
	for _, l := range domain.Lists(b) {
		fmt.Fprintf(w, "  [%s] %s\n", l.ID, l.Title)
		for i, c := range domain.Cards(l) {
			fmt.Fprintf(w, "    %d. %s  %s\n", i, c.Title, c.ID)
		}
	}
}
