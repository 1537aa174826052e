package domain

import (
	"errors"
	"fmt"
)

// ListDraft carries the fields of a list about to be created.
type ListDraft struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Color string `json:"color,omitempty"`
}

// CardDraft carries the fields of a card about to be created.
type CardDraft struct {
	ID         string `json:"id"`
	ListID     string `json:"listId"`
	Title      string `json:"title"`
	AssigneeID string `json:"assigneeId,omitempty"`
	ParentID   string `json:"parentId,omitempty"`
}

// CardPatch carries optional card field updates. Nil fields are left untouched.
type CardPatch struct {
	Title      *string `json:"title,omitempty"`
	AssigneeID *string `json:"assigneeId,omitempty"`
	ParentID   *string `json:"parentId,omitempty"`
}

// ListPatch carries optional list field updates.
type ListPatch struct {
	Title *string `json:"title,omitempty"`
	Color *string `json:"color,omitempty"`
}

// NewBoard returns an empty board owned by ownerID.
func NewBoard(id, title, background, ownerID string) Board {
	return Board{
		ID:         id,
		Title:      title,
		Background: background,
		Members:    map[string]Role{ownerID: RoleOwner},
		Lists:      []List{},
	}
}

// ArchiveBoard marks the board archived. Boards are never hard-deleted.
func ArchiveBoard(b Board) (Board, error) {
	if b.Archived {
		return b, nil
	}
	next := b.Clone()
	next.Archived = true
	return finish(b, next)
}

// SetMember grants userID the given role. The last owner cannot be demoted.
func SetMember(b Board, userID string, role Role) (Board, error) {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember, RoleObserver:
	default:
		return b, fmt.Errorf("unknown role %q: %w", role, ErrInvalidMembership)
	}
	if b.Members[userID] == RoleOwner && role != RoleOwner && owners(b) == 1 {
		return b, fmt.Errorf("board %s must keep an owner: %w", b.ID, ErrInvalidMembership)
	}
	next := b.Clone()
	if next.Members == nil {
		next.Members = map[string]Role{}
	}
	next.Members[userID] = role
	return finish(b, next)
}

func owners(b Board) int {
	n := 0
	for _, r := range b.Members {
		if r == RoleOwner {
			n++
		}
	}
	return n
}

// CreateList appends a list after the last active list.
func CreateList(b Board, id, title, color string) (Board, error) {
	if _, ok := b.FindList(id); ok {
		return b, fmt.Errorf("list %s: %w", id, ErrDuplicateID)
	}
	next := b.Clone()
	pos, err := appendPosition(listPositions(Lists(next)))
	if errors.Is(err, ErrNoRoom) {
		next = RebalanceLists(next)
		pos, err = appendPosition(listPositions(Lists(next)))
	}
	if err != nil {
		return b, err
	}
	next.Lists = append(next.Lists, List{
		ID:       id,
		BoardID:  b.ID,
		Title:    title,
		Color:    color,
		Position: pos,
		Cards:    []Card{},
	})
	return finish(b, next)
}

// CreateCard appends a card to the end of the target list.
func CreateCard(b Board, d CardDraft) (Board, error) {
	li, err := activeList(b, d.ListID)
	if err != nil {
		return b, err
	}
	if _, _, ok := b.FindCard(d.ID); ok {
		return b, fmt.Errorf("card %s: %w", d.ID, ErrDuplicateID)
	}
	if d.ParentID != "" {
		if err := checkParent(b, d.ID, d.ParentID); err != nil {
			return b, err
		}
	}
	next := b.Clone()
	pos, err := appendPosition(cardPositions(Cards(next.Lists[li])))
	if errors.Is(err, ErrNoRoom) {
		next.Lists[li] = RebalanceCards(next.Lists[li])
		pos, err = appendPosition(cardPositions(Cards(next.Lists[li])))
	}
	if err != nil {
		return b, err
	}
	next.Lists[li].Cards = append(next.Lists[li].Cards, Card{
		ID:         d.ID,
		ListID:     d.ListID,
		BoardID:    b.ID,
		Title:      d.Title,
		Position:   pos,
		AssigneeID: d.AssigneeID,
		ParentID:   d.ParentID,
	})
	return finish(b, next)
}

// UpdateCard applies a field-level patch to an active card.
func UpdateCard(b Board, cardID string, p CardPatch) (Board, error) {
	li, ci, err := activeCard(b, cardID)
	if err != nil {
		return b, err
	}
	next := b.Clone()
	c := &next.Lists[li].Cards[ci]
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.AssigneeID != nil {
		c.AssigneeID = *p.AssigneeID
	}
	if p.ParentID != nil {
		if *p.ParentID != "" {
			if err := checkParent(b, cardID, *p.ParentID); err != nil {
				return b, err
			}
		}
		c.ParentID = *p.ParentID
	}
	return finish(b, next)
}

// UpdateList applies a field-level patch to an active list.
func UpdateList(b Board, listID string, p ListPatch) (Board, error) {
	li, err := activeList(b, listID)
	if err != nil {
		return b, err
	}
	next := b.Clone()
	l := &next.Lists[li]
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Color != nil {
		l.Color = *p.Color
	}
	return finish(b, next)
}

// DeleteCard archives the card. It keeps its list and position for history.
func DeleteCard(b Board, cardID string) (Board, error) {
	li, ci, err := activeCard(b, cardID)
	if err != nil {
		return b, err
	}
	next := b.Clone()
	next.Lists[li].Cards[ci].Archived = true
	return finish(b, next)
}

// DeleteList archives the list and every card it holds.
func DeleteList(b Board, listID string) (Board, error) {
	li, err := activeList(b, listID)
	if err != nil {
		return b, err
	}
	next := b.Clone()
	next.Lists[li].Archived = true
	for i := range next.Lists[li].Cards {
		next.Lists[li].Cards[i].Archived = true
	}
	return finish(b, next)
}

// MoveCard re-parents the card into destListID at destIndex, where destIndex counts
// the active cards of the destination list with the moving card left out. The
// index is clamped to the list bounds. Moving a card onto its own slot returns b
// unchanged.
func MoveCard(b Board, cardID, destListID string, destIndex int) (Board, error) {
	if _, _, err := activeCard(b, cardID); err != nil {
		return b, err
	}
	di, err := activeList(b, destListID)
	if err != nil {
		return b, err
	}
	if IsNoopMove(b, cardID, destListID, destIndex) {
		return b, nil
	}
	seq := without(Cards(b.Lists[di]), cardID)
	destIndex = clamp(destIndex, len(seq))

	next := b.Clone()
	pos, err := slotPosition(cardPositions(seq), destIndex)
	if errors.Is(err, ErrNoRoom) {
		next.Lists[di] = rebalanceCards(next.Lists[di], cardID)
		seq = without(Cards(next.Lists[di]), cardID)
		pos, err = slotPosition(cardPositions(seq), destIndex)
	}
	if err != nil {
		return b, err
	}

	// rebalancing re-sorts the destination slice, so look the card up again
	li, ci, _ := next.FindCard(cardID)
	card := next.Lists[li].Cards[ci]
	src := next.Lists[li].Cards
	next.Lists[li].Cards = append(src[:ci:ci], src[ci+1:]...)
	card.ListID = destListID
	card.Position = pos
	next.Lists[di].Cards = append(next.Lists[di].Cards, card)
	sortCards(next.Lists[di].Cards)
	return finish(b, next)
}

// IsNoopMove reports whether moving the card to destListID at destIndex would leave
// it in the slot it already occupies.
func IsNoopMove(b Board, cardID, destListID string, destIndex int) bool {
	li, _, ok := b.FindCard(cardID)
	if !ok || b.Lists[li].ID != destListID {
		return false
	}
	cards := Cards(b.Lists[li])
	cur := indexOf(cards, cardID)
	return cur >= 0 && cur == clamp(destIndex, len(cards)-1)
}

// MoveList reorders a list to destIndex among the other active lists.
func MoveList(b Board, listID string, destIndex int) (Board, error) {
	li, err := activeList(b, listID)
	if err != nil {
		return b, err
	}
	lists := Lists(b)
	seq := make([]List, 0, len(lists))
	current := -1
	for i, l := range lists {
		if l.ID == listID {
			current = i
			continue
		}
		seq = append(seq, l)
	}
	destIndex = clamp(destIndex, len(seq))
	if current == destIndex {
		return b, nil
	}

	next := b.Clone()
	pos, err := slotPosition(listPositions(seq), destIndex)
	if errors.Is(err, ErrNoRoom) {
		next = rebalanceLists(next, listID)
		seq = seq[:0]
		for _, l := range Lists(next) {
			if l.ID != listID {
				seq = append(seq, l)
			}
		}
		pos, err = slotPosition(listPositions(seq), destIndex)
	}
	if err != nil {
		return b, err
	}
	next.Lists[li].Position = pos
	return finish(b, next)
}

// ListNeedsRebalance reports whether the active cards of l have run out of room
// between some pair of neighbours.
func ListNeedsRebalance(l List) bool {
	return NeedsRebalance(cardPositions(Cards(l)))
}

// RebalanceCards respaces the active cards of l at Stride intervals, keeping their order.
func RebalanceCards(l List) List { return rebalanceCards(l, "") }

// RebalanceLists respaces the active lists of b at Stride intervals, keeping their order.
func RebalanceLists(b Board) Board { return rebalanceLists(b, "") }

func rebalanceCards(l List, skipID string) List {
	active := without(Cards(l), skipID)
	keys := Rebalance(len(active))
	assigned := make(map[string]Position, len(active))
	for i, c := range active {
		assigned[c.ID] = keys[i]
	}
	out := l
	out.Cards = make([]Card, len(l.Cards))
	copy(out.Cards, l.Cards)
	for i := range out.Cards {
		if p, ok := assigned[out.Cards[i].ID]; ok {
			out.Cards[i].Position = p
		}
	}
	sortCards(out.Cards)
	return out
}

func rebalanceLists(b Board, skipID string) Board {
	out := b.Clone()
	active := Lists(out)
	assigned := make(map[string]Position, len(active))
	n := 0
	for _, l := range active {
		if l.ID == skipID {
			continue
		}
		n++
		assigned[l.ID] = Stride * Position(n)
	}
	for i := range out.Lists {
		if p, ok := assigned[out.Lists[i].ID]; ok {
			out.Lists[i].Position = p
		}
	}
	return out
}

// finish validates next and returns it, or returns prev with the violation.
func finish(prev, next Board) (Board, error) {
	if err := Validate(next); err != nil {
		return prev, err
	}
	return next, nil
}

func activeList(b Board, listID string) (int, error) {
	i, ok := b.FindList(listID)
	if !ok || b.Lists[i].Archived {
		return -1, fmt.Errorf("list %s: %w", listID, ErrListNotFound)
	}
	return i, nil
}

func activeCard(b Board, cardID string) (int, int, error) {
	li, ci, ok := b.FindCard(cardID)
	if !ok || b.Lists[li].Cards[ci].Archived {
		return -1, -1, fmt.Errorf("card %s: %w", cardID, ErrCardNotFound)
	}
	return li, ci, nil
}

// checkParent rejects a parent that is the card itself, is not an active card
// of the board, or already descends from the card.
func checkParent(b Board, cardID, parentID string) error {
	seen := map[string]bool{}
	for id := parentID; id != ""; {
		if id == cardID {
			return fmt.Errorf("card %s under %s: %w", cardID, parentID, ErrInvalidParent)
		}
		if seen[id] {
			break
		}
		seen[id] = true
		li, ci, ok := b.FindCard(id)
		if !ok {
			if id != parentID {
				break
			}
			return fmt.Errorf("card %s parent %s: %w", cardID, id, ErrInvalidParent)
		}
		parent := b.Lists[li].Cards[ci]
		if id == parentID && parent.Archived {
			return fmt.Errorf("card %s parent %s is archived: %w", cardID, id, ErrInvalidParent)
		}
		id = parent.ParentID
	}
	return nil
}

func appendPosition(positions []Position) (Position, error) {
	if len(positions) == 0 {
		return Between(nil, nil)
	}
	return Between(&positions[len(positions)-1], nil)
}

func slotPosition(positions []Position, index int) (Position, error) {
	var before, after *Position
	if index > 0 {
		before = &positions[index-1]
	}
	if index < len(positions) {
		after = &positions[index]
	}
	return Between(before, after)
}

func cardPositions(cards []Card) []Position {
	out := make([]Position, len(cards))
	for i, c := range cards {
		out[i] = c.Position
	}
	return out
}

func listPositions(lists []List) []Position {
	out := make([]Position, len(lists))
	for i, l := range lists {
		out[i] = l.Position
	}
	return out
}

func without(cards []Card, cardID string) []Card {
	if cardID == "" {
		return cards
	}
	out := cards[:0:0]
	for _, c := range cards {
		if c.ID != cardID {
			out = append(out, c)
		}
	}
	return out
}

func indexOf(cards []Card, cardID string) int {
	for i, c := range cards {
		if c.ID == cardID {
			return i
		}
	}
	return -1
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
