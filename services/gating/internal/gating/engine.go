package gating

import (
	"sort"

	"github.com/example/slideconfirm/services/gating/internal/store"
)

// ItemView is an item annotated for one user.
type ItemView struct {
	store.Item
	Viewed  bool `json:"viewed"`
	CanView bool `json:"can_view"`
}

// Progress summarizes how much of a container a user has viewed.
type Progress struct {
	ViewedCount int     `json:"viewed_count"`
	TotalCount  int     `json:"total_count"`
	Percentage  float64 `json:"percentage"`
}

// ComputeViewability marks each item viewable when every item before it is
// viewed. The first item is always viewable. items must be in index order.
func ComputeViewability(items []store.Item, viewed map[int64]bool) []ItemView {
	out := make([]ItemView, len(items))
	prefix := true
	for i, it := range items {
		out[i] = ItemView{Item: it, Viewed: viewed[it.ID], CanView: prefix}
		prefix = prefix && viewed[it.ID]
	}
	return out
}

// PositionOf returns the 0-based position of itemID within items.
func PositionOf(items []store.Item, itemID int64) (int, bool) {
	for i, it := range items {
		if it.ID == itemID {
			return i, true
		}
	}
	return 0, false
}

// FirstMissing returns the first unviewed item among items[:upTo].
func FirstMissing(items []store.Item, viewed map[int64]bool, upTo int) (store.Item, bool) {
	if upTo > len(items) {
		upTo = len(items)
	}
	for _, it := range items[:upTo] {
		if !viewed[it.ID] {
			return it, true
		}
	}
	return store.Item{}, false
}

// MissingItems returns the ids of unviewed items, ascending.
func MissingItems(items []store.Item, viewed map[int64]bool) []int64 {
	missing := make([]int64, 0)
	for _, it := range items {
		if !viewed[it.ID] {
			missing = append(missing, it.ID)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Summarize computes the percentage viewed; 0 when there are no items.
func Summarize(viewedCount, totalCount int) Progress {
	p := Progress{ViewedCount: viewedCount, TotalCount: totalCount}
	if totalCount > 0 {
		p.Percentage = float64(viewedCount) / float64(totalCount) * 100
	}
	return p
}
