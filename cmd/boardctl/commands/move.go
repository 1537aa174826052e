package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"kanban-engine/domain"
)

// move-card <board> <card> <list> <index>: drop a card at an index of a list.
func moveCardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move-card <board> <card> <list> <index>",
		Short: "Move a card to a position in a list",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[3])
			}
			c, err := newCoordinator(cmd, args[0])
			if err != nil {
				return err
			}
			src, ok := locate(c.Confirmed(), args[1])
			if !ok {
				return fmt.Errorf("card %s: %w", args[1], domain.ErrCardNotFound)
			}

			c.OnDragStart(args[1])
			b, err := c.OnDragEnd(cmd.Context(), &domain.MoveIntent{
				CardID:      args[1],
				Source:      src,
				Destination: &domain.Location{ListID: args[2], Index: index},
			})
			if err != nil {
				return err
			}
			renderBoard(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

// move-list <board> <list> <index>: reorder a list.
func moveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move-list <board> <list> <index>",
		Short: "Move a list to a position on the board",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[2])
			}
			c, err := newCoordinator(cmd, args[0])
			if err != nil {
				return err
			}
			b, err := c.MoveList(cmd.Context(), args[1], index)
			if err != nil {
				return err
			}
			renderBoard(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

// locate returns the card's list and its index among the active cards.
func locate(b domain.Board, cardID string) (domain.Location, bool) {
	card, err := b.Card(cardID)
	if err != nil {
		return domain.Location{}, false
	}
	l, err := b.List(card.ListID)
	if err != nil {
		return domain.Location{}, false
	}
	for i, c := range domain.Cards(l) {
		if c.ID == cardID {
			return domain.Location{ListID: l.ID, Index: i}, true
		}
	}
	return domain.Location{}, false
}
