package domain

import (
	"errors"
	"math"
	"sort"
)

// Position is a sortable ordering key for lists within a board and cards within a list.
// Keys are spaced Stride apart so most inserts land between neighbours without renumbering.
type Position int64

const (
	// Stride is the gap used when appending and when rebalancing.
	Stride Position = 1000
	// InitialPosition is given to the first item of an empty collection.
	InitialPosition Position = 1 << 20
)

// ErrNoRoom is returned by Between when no integer key fits between the bounds.
var ErrNoRoom = errors.New("no room between positions")

// At returns a pointer to p, for use as a Between bound.
func At(p Position) *Position { return &p }

// Between returns a key strictly between before and after. A nil bound means the
// corresponding end of the collection is open.
func Between(before, after *Position) (Position, error) {
	switch {
	case before == nil && after == nil:
		return InitialPosition, nil
	case after == nil:
		if *before > math.MaxInt64-Stride {
			return 0, ErrNoRoom
		}
		return *before + Stride, nil
	case before == nil:
		if *after < math.MinInt64+Stride {
			return 0, ErrNoRoom
		}
		return *after - Stride, nil
	}
	lo, hi := *before, *after
	if lo >= hi || hi-lo < 2 {
		return 0, ErrNoRoom
	}
	return lo + (hi-lo)/2, nil
}

// NeedsRebalance reports whether the keys have converged so that some neighbouring
// pair no longer has room between them, or a key is too close to the int64 limits.
func NeedsRebalance(positions []Position) bool {
	if len(positions) == 0 {
		return false
	}
	sorted := append([]Position(nil), positions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if sorted[0] < math.MinInt64+Stride || sorted[len(sorted)-1] > math.MaxInt64-Stride {
		return true
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < 2 {
			return true
		}
	}
	return false
}

// Rebalance returns n evenly spaced keys: Stride, 2*Stride, ... n*Stride.
func Rebalance(n int) []Position {
	out := make([]Position, n)
	for i := range out {
		out[i] = Stride * Position(i+1)
	}
	return out
}
