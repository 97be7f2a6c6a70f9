// Package store persists the catalog and per-user progress: the view ledger,
// position cursors and completion records.
//
// Three backends satisfy Store: Postgres (production), SQLite (single node)
// and an in-memory store (development and tests).
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for missing containers, items and completions.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps transient backend failures (timeouts, lost
	// connections, lock contention). The transaction was rolled back.
	ErrUnavailable = errors.New("store unavailable")
)

// State is the lifecycle state of a container.
type State string

const (
	StateDraft     State = "draft"
	StatePublished State = "published"
)

// Container is an ordered collection of items (a presentation).
type Container struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Item is one ordered unit of a container (a slide). Index starts at 0.
type Item struct {
	ID          int64  `json:"id"`
	ContainerID int64  `json:"container_id"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
}

// Completion is the terminal fact that a user viewed every item of a container.
type Completion struct {
	UserID      string    `json:"user_id"`
	ContainerID int64     `json:"container_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Catalog is the read-only view of containers and their items.
type Catalog interface {
	GetContainer(ctx context.Context, id int64) (Container, error)
	// ListPublished returns published containers in creation order.
	ListPublished(ctx context.Context) ([]Container, error)
	// ListItems returns the container's items by ascending index. An empty
	// slice is not an error.
	ListItems(ctx context.Context, containerID int64) ([]Item, error)
	GetItem(ctx context.Context, itemID int64) (Item, error)
}

// Ledger records which items a user has viewed.
type Ledger interface {
	IsViewed(ctx context.Context, userID string, itemID int64) (bool, error)
	// ViewedSet returns the subset of itemIDs viewed by the user in one read.
	ViewedSet(ctx context.Context, userID string, itemIDs []int64) (map[int64]bool, error)
	CountViewed(ctx context.Context, userID string, itemIDs []int64) (int, error)
	// SetViewed upserts viewed=true. Repeated calls are no-ops.
	SetViewed(ctx context.Context, userID string, itemID int64) error
	ClearViewed(ctx context.Context, userID string, itemIDs []int64) error
}

// Cursors tracks the last index a user reached in a container.
type Cursors interface {
	// LastIndex returns 0 when no cursor exists.
	LastIndex(ctx context.Context, userID string, containerID int64) (int, error)
	// AdvanceTo stores index. With monotonic set the stored value never decreases.
	AdvanceTo(ctx context.Context, userID string, containerID int64, index int, monotonic bool) error
	ClearCursor(ctx context.Context, userID string, containerID int64) error
}

// Completions is the registry of completion records.
type Completions interface {
	HasCompleted(ctx context.Context, userID string, containerID int64) (bool, error)
	GetCompletion(ctx context.Context, userID string, containerID int64) (Completion, error)
	// RecordCompletion inserts a record unless one exists. created reports
	// whether this call inserted it; the returned record is the stored one.
	RecordCompletion(ctx context.Context, userID string, containerID int64, at time.Time) (rec Completion, created bool, err error)
	ClearCompletion(ctx context.Context, userID string, containerID int64) error
	ListCompletions(ctx context.Context, containerID int64) ([]Completion, error)
}

// Lifecycle changes container state.
type Lifecycle interface {
	// SetState updates the state. A nil publishedAt keeps the stored value.
	SetState(ctx context.Context, containerID int64, state State, publishedAt *time.Time) (Container, error)
}

// Tx is the unit of work available inside InTx.
type Tx interface {
	Catalog
	Ledger
	Cursors
	Completions
	Lifecycle
}

// Store is a Tx outside any transaction plus transaction and admin entry points.
type Store interface {
	Tx
	// InTx runs fn atomically: every write commits or none does. Calls that
	// share a non-empty lockKey are serialized; distinct keys do not block
	// each other (except on SQLite, which has a single writer).
	InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error
	// CreateContainer imports a draft container with items at indices 0..n-1.
	CreateContainer(ctx context.Context, title string, itemTitles []string) (Container, []Item, error)
	Ping(ctx context.Context) error
	Close() error
}

// ItemIDs projects item ids in order.
func ItemIDs(items []Item) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
