package gating

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/example/slideconfirm/services/gating/internal/store"
)

func seq(ids ...int64) []store.Item {
	items := make([]store.Item, len(ids))
	for i, id := range ids {
		items[i] = store.Item{ID: id, ContainerID: 1, Index: i}
	}
	return items
}

func set(ids ...int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// ─── ComputeViewability ──────────────────────────────────────────────────────

func TestComputeViewability(t *testing.T) {
	items := seq(10, 20, 30, 40)
	tests := []struct {
		name    string
		viewed  map[int64]bool
		canView []bool
	}{
		{"nothing viewed", set(), []bool{true, false, false, false}},
		{"first viewed", set(10), []bool{true, true, false, false}},
		{"prefix viewed", set(10, 20, 30), []bool{true, true, true, true}},
		{"gap blocks the rest", set(10, 30, 40), []bool{true, true, false, false}},
		{"later only", set(30), []bool{true, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			views := ComputeViewability(items, tt.viewed)
			if len(views) != len(items) {
				t.Fatalf("expected %d views, got %d", len(items), len(views))
			}
			for i, v := range views {
				if v.CanView != tt.canView[i] {
					t.Fatalf("item %d: expected can_view=%v, got %v", i, tt.canView[i], v.CanView)
				}
				if v.Viewed != tt.viewed[v.ID] {
					t.Fatalf("item %d: viewed mismatch", i)
				}
			}
		})
	}
}

func TestComputeViewability_Empty(t *testing.T) {
	if got := ComputeViewability(nil, nil); len(got) != 0 {
		t.Fatalf("expected no views, got %v", got)
	}
}

// ─── FirstMissing / MissingItems ─────────────────────────────────────────────

func TestFirstMissing(t *testing.T) {
	items := seq(10, 20, 30)

	if _, ok := FirstMissing(items, set(), 0); ok {
		t.Fatal("position 0 has no prerequisites")
	}
	got, ok := FirstMissing(items, set(20), 2)
	if !ok || got.ID != 10 {
		t.Fatalf("expected item 10 missing, got %+v ok=%v", got, ok)
	}
	got, ok = FirstMissing(items, set(10), 2)
	if !ok || got.ID != 20 || got.Index != 1 {
		t.Fatalf("expected item 20 missing, got %+v", got)
	}
	if _, ok := FirstMissing(items, set(10, 20), 2); ok {
		t.Fatal("expected no missing prerequisite")
	}
	if _, ok := FirstMissing(items, set(10, 20, 30), 99); ok {
		t.Fatal("upTo beyond the sequence must clamp")
	}
}

func TestMissingItems_SortedAscending(t *testing.T) {
	items := []store.Item{{ID: 30, Index: 0}, {ID: 10, Index: 1}, {ID: 20, Index: 2}}
	got := MissingItems(items, set(10))
	if !reflect.DeepEqual(got, []int64{20, 30}) {
		t.Fatalf("expected [20 30], got %v", got)
	}
	if got := MissingItems(items, set(10, 20, 30)); len(got) != 0 {
		t.Fatalf("expected none missing, got %v", got)
	}
}

func TestPositionOf(t *testing.T) {
	items := seq(10, 20, 30)
	if pos, ok := PositionOf(items, 30); !ok || pos != 2 {
		t.Fatalf("expected position 2, got %d ok=%v", pos, ok)
	}
	if _, ok := PositionOf(items, 99); ok {
		t.Fatal("expected unknown item")
	}
}

// ─── Summarize ───────────────────────────────────────────────────────────────

func TestSummarize(t *testing.T) {
	tests := []struct {
		viewed, total int
		want          float64
	}{
		{0, 0, 0},
		{0, 3, 0},
		{1, 4, 25},
		{3, 3, 100},
	}
	for _, tt := range tests {
		p := Summarize(tt.viewed, tt.total)
		if p.Percentage != tt.want || p.ViewedCount != tt.viewed || p.TotalCount != tt.total {
			t.Fatalf("Summarize(%d,%d) = %+v, want %v%%", tt.viewed, tt.total, p, tt.want)
		}
	}
}

// ─── Policy ──────────────────────────────────────────────────────────────────

func TestFirstPublished(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := []store.Container{
		{ID: 5, CreatedAt: t0.Add(time.Hour)},
		{ID: 9, CreatedAt: t0},
		{ID: 3, CreatedAt: t0},
	}
	got, ok := FirstPublished(cs)
	if !ok || got.ID != 3 {
		t.Fatalf("expected container 3, got %+v", got)
	}
	if _, ok := FirstPublished(nil); ok {
		t.Fatal("expected no container")
	}
}

func TestOutOfOrderError(t *testing.T) {
	err := &OutOfOrderError{ItemID: 30, FirstMissing: store.Item{ID: 10, Index: 0}}
	if err.Position() != 1 {
		t.Fatalf("expected 1-based position 1, got %d", err.Position())
	}
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatal("expected errors.Is(err, ErrOutOfOrder)")
	}
}
