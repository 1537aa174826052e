package domain

import (
	"fmt"
	"sort"
)

// Role is a board member's access level.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleObserver Role = "observer"
)

// Board is the root aggregate. It owns its lists and, through them, every card.
type Board struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Background string          `json:"background,omitempty"`
	Archived   bool            `json:"archived,omitempty"`
	Members    map[string]Role `json:"members"`
	Lists      []List          `json:"lists"`
	// Version is bumped by the durable store on every committed mutation.
	Version int64 `json:"version"`
}

// List is an ordered column of cards.
type List struct {
	ID       string   `json:"id"`
	BoardID  string   `json:"boardId"`
	Title    string   `json:"title"`
	Color    string   `json:"color,omitempty"`
	Position Position `json:"position"`
	Archived bool     `json:"archived,omitempty"`
	Cards    []Card   `json:"cards"`
}

// Card is a single task on the board.
type Card struct {
	ID         string   `json:"id"`
	ListID     string   `json:"listId"`
	BoardID    string   `json:"boardId"`
	Title      string   `json:"title"`
	Position   Position `json:"position"`
	AssigneeID string   `json:"assigneeId,omitempty"`
	// ParentID references the card this one is an instance of.
	ParentID string `json:"parentId,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

// Location addresses a slot in a list: the list id and the index among its active cards.
type Location struct {
	ListID string `json:"listId"`
	Index  int    `json:"index"`
}

// MoveIntent is produced by the drag surface when a card is dropped. A nil
// Destination means the card was released outside any list.
type MoveIntent struct {
	CardID      string    `json:"cardId"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	out := b
	if b.Members != nil {
		out.Members = make(map[string]Role, len(b.Members))
		for k, v := range b.Members {
			out.Members[k] = v
		}
	}
	if b.Lists != nil {
		out.Lists = make([]List, len(b.Lists))
		for i, l := range b.Lists {
			out.Lists[i] = l
			if l.Cards != nil {
				out.Lists[i].Cards = make([]Card, len(l.Cards))
				copy(out.Lists[i].Cards, l.Cards)
			}
		}
	}
	return out
}

// Member returns the caller's role on the board.
func (b Board) Member(userID string) (Role, bool) {
	r, ok := b.Members[userID]
	return r, ok
}

// Authorize fails with ErrBoardNotFound when userID is not a member, so callers
// cannot discover boards they do not belong to.
func Authorize(b Board, userID string) error {
	if _, ok := b.Member(userID); !ok {
		return fmt.Errorf("board %s: %w", b.ID, ErrBoardNotFound)
	}
	return nil
}

// CanEdit reports whether the role may change board content.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// CanManage reports whether the role may change membership or archive the board.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// AuthorizeEdit is Authorize plus a check that the member may change content.
func AuthorizeEdit(b Board, userID string) error {
	if err := Authorize(b, userID); err != nil {
		return err
	}
	if r, _ := b.Member(userID); !r.CanEdit() {
		return fmt.Errorf("user %s on board %s: %w", userID, b.ID, ErrForbidden)
	}
	return nil
}

// AuthorizeManage is Authorize plus a check for owner or admin rights.
func AuthorizeManage(b Board, userID string) error {
	if err := Authorize(b, userID); err != nil {
		return err
	}
	if r, _ := b.Member(userID); !r.CanManage() {
		return fmt.Errorf("user %s on board %s: %w", userID, b.ID, ErrForbidden)
	}
	return nil
}

// Lists returns the active lists of the board ordered by position.
func Lists(b Board) []List {
	out := make([]List, 0, len(b.Lists))
	for _, l := range b.Lists {
		if !l.Archived {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cards returns the active cards of the list ordered by position.
func Cards(l List) []Card {
	out := make([]Card, 0, len(l.Cards))
	for _, c := range l.Cards {
		if !c.Archived {
			out = append(out, c)
		}
	}
	sortCards(out)
	return out
}

func sortCards(cards []Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].Position != cards[j].Position {
			return cards[i].Position < cards[j].Position
		}
		return cards[i].ID < cards[j].ID
	})
}

// FindList returns the index of the list with the given id in b.Lists.
func (b Board) FindList(listID string) (int, bool) {
	for i, l := range b.Lists {
		if l.ID == listID {
			return i, true
		}
	}
	return -1, false
}

// FindCard returns the list and card indices of the card with the given id.
func (b Board) FindCard(cardID string) (int, int, bool) {
	for li, l := range b.Lists {
		for ci, c := range l.Cards {
			if c.ID == cardID {
				return li, ci, true
			}
		}
	}
	return -1, -1, false
}

// Card returns a copy of the card with the given id.
func (b Board) Card(cardID string) (Card, error) {
	li, ci, ok := b.FindCard(cardID)
	if !ok {
		return Card{}, fmt.Errorf("card %s: %w", cardID, ErrCardNotFound)
	}
	return b.Lists[li].Cards[ci], nil
}

// List returns a copy of the list with the given id.
func (b Board) List(listID string) (List, error) {
	i, ok := b.FindList(listID)
	if !ok {
		return List{}, fmt.Errorf("list %s: %w", listID, ErrListNotFound)
	}
	return b.Lists[i], nil
}

// Validate checks the structural invariants of the board: unique active positions
// among sibling lists and sibling cards, and consistent back-references.
func Validate(b Board) error {
	listPos := make(map[Position]string, len(b.Lists))
	listIDs := make(map[string]struct{}, len(b.Lists))
	cardIDs := make(map[string]struct{})
	for _, l := range b.Lists {
		if _, dup := listIDs[l.ID]; dup {
			return invariantf(b.ID, "duplicate list id %s", l.ID)
		}
		listIDs[l.ID] = struct{}{}
		if l.BoardID != b.ID {
			return invariantf(b.ID, "list %s belongs to board %s", l.ID, l.BoardID)
		}
		if !l.Archived {
			if other, dup := listPos[l.Position]; dup {
				return invariantf(b.ID, "lists %s and %s share position %d", other, l.ID, l.Position)
			}
			listPos[l.Position] = l.ID
		}
		cardPos := make(map[Position]string, len(l.Cards))
		for _, c := range l.Cards {
			if _, dup := cardIDs[c.ID]; dup {
				return invariantf(b.ID, "card %s appears more than once", c.ID)
			}
			cardIDs[c.ID] = struct{}{}
			if c.ListID != l.ID {
				return invariantf(b.ID, "card %s references list %s but is held by %s", c.ID, c.ListID, l.ID)
			}
			if c.BoardID != b.ID {
				return invariantf(b.ID, "card %s references board %s", c.ID, c.BoardID)
			}
			if c.Archived {
				continue
			}
			if other, dup := cardPos[c.Position]; dup {
				return invariantf(b.ID, "cards %s and %s share position %d in list %s", other, c.ID, c.Position, l.ID)
			}
			cardPos[c.Position] = c.ID
		}
	}
	return nil
}
