// Package position computes sortable sibling positions for board items.
//
// A Position is a float64 key. New items are placed at the midpoint of their
// neighbors so inserting never touches other siblings, until the gap between
// two neighbors is too small to split. At that point only a window around
// the insertion point is respaced.
package position

import "errors"

// Position orders items within one parent. Lower values sort first.
type Position float64

const (
	// Initial is the position of the first item placed into an empty parent.
	Initial Position = 1
	// Step is the distance used when appending at either end.
	Step Position = 1
	// MinGap is the smallest neighbor gap the allocator still splits.
	MinGap = 1e-9
	// ComfortGap is the spacing a renumbered window must reach before the
	// window stops growing.
	ComfortGap = 1e-4
)

var (
	// ErrExhausted is returned by Between when no value fits between the bounds.
	ErrExhausted = errors.New("position gap exhausted")
	// ErrOutOfOrder is returned when the lower bound is not below the upper bound.
	ErrOutOfOrder = errors.New("position bounds out of order")
	// ErrIndex is returned when an insertion index is outside the sibling run.
	ErrIndex = errors.New("insertion index out of range")
)

// Between returns a value strictly between before and after. A nil bound is
// open: nil before places at the head, nil after at the tail, both nil
// yields Initial.
func Between(before, after *Position) (Position, error) {
	switch {
	case before == nil && after == nil:
		return Initial, nil
	case before == nil:
		return *after - Step, nil
	case after == nil:
		return *before + Step, nil
	}
	lo, hi := *before, *after
	if lo >= hi {
		return 0, ErrOutOfOrder
	}
	if float64(hi-lo) <= MinGap {
		return 0, ErrExhausted
	}
	mid := lo + (hi-lo)/2
	if mid <= lo || mid >= hi {
		return 0, ErrExhausted
	}
	return mid, nil
}

// Shift reports a sibling whose position changed during renumbering.
type Shift struct {
	Index    int
	Position Position
}

// Placement is the result of Allocate: the new item's position plus any
// siblings that had to be respaced to make room for it.
type Placement struct {
	Position Position
	Shifts   []Shift
}

// Renumbered reports whether the placement touched any existing sibling.
func (p Placement) Renumbered() bool {
	return len(p.Shifts) > 0
}

// Allocate places a new item at index among siblings. siblings must be sorted
// ascending and must not contain the item being placed. index 0 inserts at
// the head and len(siblings) at the tail.
func Allocate(siblings []Position, index int) (Placement, error) {
	if index < 0 || index > len(siblings) {
		return Placement{}, ErrIndex
	}
	var before, after *Position
	if index > 0 {
		b := siblings[index-1]
		before = &b
	}
	if index < len(siblings) {
		a := siblings[index]
		after = &a
	}
	p, err := Between(before, after)
	if err == nil {
		return Placement{Position: p}, nil
	}
	if !errors.Is(err, ErrExhausted) {
		return Placement{}, err
	}
	return renumber(siblings, index), nil
}

// renumber grows a window around index one neighbor per side until the
// evenly spaced run inside it is comfortable, or until a side is open.
func renumber(siblings []Position, index int) Placement {
	n := len(siblings)
	for radius := 1; ; radius++ {
		left := index - 1 - radius
		right := index + radius
		if left < -1 {
			left = -1
		}
		if right > n {
			right = n
		}
		count := right - left
		openLo, openHi := left < 0, right >= n

		switch {
		case openLo && openHi:
			return spread(siblings, index, left, right, Initial, Step)
		case openLo:
			return spread(siblings, index, left, right, siblings[right]-Step*Position(count), Step)
		case openHi:
			return spread(siblings, index, left, right, siblings[left]+Step, Step)
		default:
			gap := (siblings[right] - siblings[left]) / Position(count+1)
			if float64(gap) >= ComfortGap {
				return spread(siblings, index, left, right, siblings[left]+gap, gap)
			}
		}
	}
}

// spread assigns start, start+step, ... to the run strictly between the
// fixed bounds left and right, with the new item occupying index.
func spread(siblings []Position, index, left, right int, start, step Position) Placement {
	var out Placement
	j := 0
	for k := left + 1; k <= right; k++ {
		if k == index {
			out.Position = start + step*Position(j)
			j++
		}
		if k == right {
			break
		}
		next := start + step*Position(j)
		if next != siblings[k] {
			out.Shifts = append(out.Shifts, Shift{Index: k, Position: next})
		}
		j++
	}
	return out
}

// Sorted reports whether ps is strictly increasing, i.e. sorted with no ties.
func Sorted(ps []Position) bool {
	for i := 1; i < len(ps); i++ {
		if ps[i] <= ps[i-1] {
			return false
		}
	}
	return true
}
