package coordinator

import (
	"fmt"

	"kanban-engine/domain"
)

// driftError reports that an entity the store accepted no longer fits the
// tentative board, typically because another collaborator changed it.
type driftError struct {
	err error
}

func (e *driftError) Error() string { return e.err.Error() }

func (e *driftError) Unwrap() error { return e.err }

// mergeList replaces (or appends) the list in b with the copy returned by the
// store. Cards are kept from b since the store only echoes list fields.
func mergeList(b domain.Board, l domain.List) (domain.Board, error) {
	next := b.Clone()
	if i, ok := next.FindList(l.ID); ok {
		l.Cards = next.Lists[i].Cards
		next.Lists[i] = l
	} else {
		if l.Cards == nil {
			l.Cards = []domain.Card{}
		}
		next.Lists = append(next.Lists, l)
	}
	if err := domain.Validate(next); err != nil {
		return domain.Board{}, &driftError{fmt.Errorf("merge list %s: %w", l.ID, err)}
	}
	return next, nil
}

// mergeCard replaces (or appends) the card in b with the copy returned by the store.
func mergeCard(b domain.Board, card domain.Card) (domain.Board, error) {
	next := b.Clone()
	if li, ci, ok := next.FindCard(card.ID); ok && next.Lists[li].ID == card.ListID {
		next.Lists[li].Cards[ci] = card
	} else {
		if ok {
			src := next.Lists[li].Cards
			next.Lists[li].Cards = append(src[:ci:ci], src[ci+1:]...)
		}
		di, found := next.FindList(card.ListID)
		if !found {
			return domain.Board{}, &driftError{fmt.Errorf("card %s: list %s: %w", card.ID, card.ListID, domain.ErrListNotFound)}
		}
		next.Lists[di].Cards = append(next.Lists[di].Cards, card)
	}
	if err := domain.Validate(next); err != nil {
		return domain.Board{}, &driftError{fmt.Errorf("merge card %s: %w", card.ID, err)}
	}
	return next, nil
}
