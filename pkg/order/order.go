// Package order assigns fractional positions to list items so a drag only
// rewrites the dragged item.
package order

import (
	"fmt"
	"slices"
	"strings"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// ComputeOrder returns the position for an item dropped between preceding and
// following. Either neighbour may be nil (list head or tail); when both are
// nil the item is alone and gets 0.
//
// Repeated insertion at the same point halves the gap each time. Past roughly
// fifty insertions at one point the midpoint collides with a neighbour; see
// Distinct.
func ComputeOrder(preceding, following *float64) float64 {
	switch {
	case preceding == nil && following == nil:
		return 0
	case preceding == nil:
		return *following - 1
	case following == nil:
		return *preceding + 1
	default:
		return (*preceding + *following) / 2
	}
}

// Distinct reports whether v sorts strictly between the neighbours that were
// passed to ComputeOrder.
func Distinct(v float64, preceding, following *float64) bool {
	if preceding != nil && v <= *preceding {
		return false
	}
	if following != nil && v >= *following {
		return false
	}
	return true
}

// Append returns the order for a new item placed at the tail of items.
func Append(items []shoplist.Item) float64 {
	if len(items) == 0 {
		return 0
	}
	last := items[0].Order
	for _, it := range items[1:] {
		if it.Order > last {
			last = it.Order
		}
	}
	return ComputeOrder(&last, nil)
}

// Placement is the outcome of a drag: the new order value and the neighbours
// it was computed from.
type Placement struct {
	Order     float64
	Preceding *float64
	Following *float64
}

func (p Placement) Distinct() bool {
	return Distinct(p.Order, p.Preceding, p.Following)
}

// Move computes the new order for dragging itemID to index toIndex of the
// drag targets: the uncompleted items in custom order. Completed items are
// neither draggable nor counted as targets. toIndex is clamped to the valid
// range.
func Move(items []shoplist.Item, itemID string, toIndex int) (Placement, error) {
	var dragged *shoplist.Item
	targets := make([]shoplist.Item, 0, len(items))
	for i := range items {
		if items[i].ID == itemID {
			dragged = &items[i]
			continue
		}
		if !items[i].Completed {
			targets = append(targets, items[i])
		}
	}
	if dragged == nil {
		return Placement{}, fmt.Errorf("%w: item %s", shoplist.ErrNotFound, itemID)
	}
	if dragged.Completed {
		return Placement{}, fmt.Errorf("%w: %s", shoplist.ErrNotDraggable, itemID)
	}
	Sort(targets, ByCustom)

	toIndex = max(0, min(toIndex, len(targets)))
	var p Placement
	if toIndex > 0 {
		v := targets[toIndex-1].Order
		p.Preceding = &v
	}
	if toIndex < len(targets) {
		v := targets[toIndex].Order
		p.Following = &v
	}
	p.Order = ComputeOrder(p.Preceding, p.Following)
	return p, nil
}

// SortMode selects one of the list views.
type SortMode string

const (
	ByCustom    SortMode = "custom"
	ByName      SortMode = "name"
	ByDate      SortMode = "date"
	ByCompleted SortMode = "completed"

	// DefaultSort puts uncompleted items first, then custom order.
	DefaultSort = ByCompleted
)

func ParseSortMode(s string) (SortMode, error) {
	switch m := SortMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DefaultSort, nil
	case ByCustom, ByName, ByDate, ByCompleted:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown sort mode %q", shoplist.ErrInvalid, s)
	}
}

// Sort orders items in place for the given view. Ties fall back to the item
// id so every client renders the same sequence.
func Sort(items []shoplist.Item, mode SortMode) {
	slices.SortStableFunc(items, func(a, b shoplist.Item) int {
		switch mode {
		case ByName:
			if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
				return c
			}
		case ByDate:
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
		case ByCompleted:
			if a.Completed != b.Completed {
				if a.Completed {
					return 1
				}
				return -1
			}
			if c := compareOrder(a, b); c != 0 {
				return c
			}
		default:
			if c := compareOrder(a, b); c != 0 {
				return c
			}
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func compareOrder(a, b shoplist.Item) int {
	switch {
	case a.Order < b.Order:
		return -1
	case a.Order > b.Order:
		return 1
	}
	return 0
}
