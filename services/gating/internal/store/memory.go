package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/slideconfirm/services/gating/internal/locks"
)

type viewKey struct {
	userID string
	itemID int64
}

type progressKey struct {
	userID      string
	containerID int64
}

// InMemoryStore is a development-only implementation.
// WARNING: state is lost on restart and is not shared between instances.
type InMemoryStore struct {
	mu          sync.RWMutex
	containers  map[int64]Container
	items       map[int64]Item
	byContainer map[int64][]int64 // container -> item ids by index
	viewed      map[viewKey]struct{}
	cursors     map[progressKey]int
	completions map[progressKey]Completion
	nextID      int64

	keys *locks.Local
	*memTx
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		containers:  make(map[int64]Container),
		items:       make(map[int64]Item),
		byContainer: make(map[int64][]int64),
		viewed:      make(map[viewKey]struct{}),
		cursors:     make(map[progressKey]int),
		completions: make(map[progressKey]Completion),
		keys:        locks.NewLocal(),
	}
	s.memTx = &memTx{s: s}
	return s
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }
func (s *InMemoryStore) Close() error               { return nil }

func (s *InMemoryStore) InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error {
	if lockKey != "" {
		unlock, err := s.keys.Lock(ctx, lockKey)
		if err != nil {
			return wrapUnavailable(err)
		}
		defer unlock()
	}
	tx := &memTx{s: s, ov: newOverlay()}
	if err := fn(tx); err != nil {
		return err
	}
	// A transaction whose deadline passed is rolled back, as on Postgres.
	if err := ctx.Err(); err != nil {
		return wrapUnavailable(err)
	}
	s.mu.Lock()
	tx.ov.apply(s)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) CreateContainer(_ context.Context, title string, itemTitles []string) (Container, []Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	c := Container{ID: s.nextID, Title: title, State: StateDraft, CreatedAt: time.Now().UTC()}
	s.containers[c.ID] = c

	items := make([]Item, len(itemTitles))
	ids := make([]int64, len(itemTitles))
	for i, raw := range itemTitles {
		s.nextID++
		it := Item{ID: s.nextID, ContainerID: c.ID, Index: i, Title: itemTitle(raw, i)}
		s.items[it.ID] = it
		items[i] = it
		ids[i] = it.ID
	}
	s.byContainer[c.ID] = ids
	return c, items, nil
}

// overlay buffers transactional writes until commit.
type overlay struct {
	viewed      map[viewKey]bool        // false marks a cleared row
	cursors     map[progressKey]*int    // nil marks a cleared cursor
	completions map[progressKey]*Completion
	containers  map[int64]Container
}

func newOverlay() *overlay {
	return &overlay{
		viewed:      make(map[viewKey]bool),
		cursors:     make(map[progressKey]*int),
		completions: make(map[progressKey]*Completion),
		containers:  make(map[int64]Container),
	}
}

// apply must be called with s.mu held for writing.
func (o *overlay) apply(s *InMemoryStore) {
	for k, v := range o.viewed {
		if v {
			s.viewed[k] = struct{}{}
		} else {
			delete(s.viewed, k)
		}
	}
	for k, v := range o.cursors {
		if v == nil {
			delete(s.cursors, k)
		} else {
			s.cursors[k] = *v
		}
	}
	for k, v := range o.completions {
		if v == nil {
			delete(s.completions, k)
		} else {
			s.completions[k] = *v
		}
	}
	for id, c := range o.containers {
		s.containers[id] = c
	}
}

// memTx implements Tx. With ov == nil every write commits immediately.
type memTx struct {
	s  *InMemoryStore
	ov *overlay
}

func (t *memTx) write(buffered func(*overlay), direct func(*InMemoryStore)) {
	if t.ov != nil {
		buffered(t.ov)
		return
	}
	t.s.mu.Lock()
	direct(t.s)
	t.s.mu.Unlock()
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

func (t *memTx) GetContainer(_ context.Context, id int64) (Container, error) {
	if t.ov != nil {
		if c, ok := t.ov.containers[id]; ok {
			return c, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	c, ok := t.s.containers[id]
	if !ok {
		return Container{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) ListPublished(_ context.Context) ([]Container, error) {
	t.s.mu.RLock()
	out := make([]Container, 0, len(t.s.containers))
	for id, c := range t.s.containers {
		if t.ov != nil {
			if oc, ok := t.ov.containers[id]; ok {
				c = oc
			}
		}
		if c.State == StatePublished {
			out = append(out, c)
		}
	}
	t.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ListItems(_ context.Context, containerID int64) ([]Item, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	ids := t.s.byContainer[containerID]
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.s.items[id])
	}
	return out, nil
}

func (t *memTx) GetItem(_ context.Context, itemID int64) (Item, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	it, ok := t.s.items[itemID]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

// ─── Ledger ──────────────────────────────────────────────────────────────────

func (t *memTx) isViewed(k viewKey) bool {
	if t.ov != nil {
		if v, ok := t.ov.viewed[k]; ok {
			return v
		}
	}
	_, ok := t.s.viewed[k]
	return ok
}

func (t *memTx) IsViewed(_ context.Context, userID string, itemID int64) (bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.isViewed(viewKey{userID, itemID}), nil
}

func (t *memTx) ViewedSet(_ context.Context, userID string, itemIDs []int64) (map[int64]bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		if t.isViewed(viewKey{userID, id}) {
			out[id] = true
		}
	}
	return out, nil
}

func (t *memTx) CountViewed(ctx context.Context, userID string, itemIDs []int64) (int, error) {
	set, err := t.ViewedSet(ctx, userID, itemIDs)
	return len(set), err
}

func (t *memTx) SetViewed(_ context.Context, userID string, itemID int64) error {
	k := viewKey{userID, itemID}
	t.write(
		func(o *overlay) { o.viewed[k] = true },
		func(s *InMemoryStore) { s.viewed[k] = struct{}{} },
	)
	return nil
}

func (t *memTx) ClearViewed(_ context.Context, userID string, itemIDs []int64) error {
	t.write(
		func(o *overlay) {
			for _, id := range itemIDs {
				o.viewed[viewKey{userID, id}] = false
			}
		},
		func(s *InMemoryStore) {
			for _, id := range itemIDs {
				delete(s.viewed, viewKey{userID, id})
			}
		},
	)
	return nil
}

// ─── Cursors ─────────────────────────────────────────────────────────────────

func (t *memTx) LastIndex(_ context.Context, userID string, containerID int64) (int, error) {
	k := progressKey{userID, containerID}
	if t.ov != nil {
		if v, ok := t.ov.cursors[k]; ok {
			if v == nil {
				return 0, nil
			}
			return *v, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.cursors[k], nil
}

func (t *memTx) AdvanceTo(ctx context.Context, userID string, containerID int64, index int, monotonic bool) error {
	if monotonic {
		cur, _ := t.LastIndex(ctx, userID, containerID)
		if cur > index {
			index = cur
		}
	}
	k := progressKey{userID, containerID}
	t.write(
		func(o *overlay) { v := index; o.cursors[k] = &v },
		func(s *InMemoryStore) { s.cursors[k] = index },
	)
	return nil
}

func (t *memTx) ClearCursor(_ context.Context, userID string, containerID int64) error {
	k := progressKey{userID, containerID}
	t.write(
		func(o *overlay) { o.cursors[k] = nil },
		func(s *InMemoryStore) { delete(s.cursors, k) },
	)
	return nil
}

// ─── Completions ─────────────────────────────────────────────────────────────

func (t *memTx) completion(k progressKey) (Completion, bool) {
	if t.ov != nil {
		if v, ok := t.ov.completions[k]; ok {
			if v == nil {
				return Completion{}, false
			}
			return *v, true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	c, ok := t.s.completions[k]
	return c, ok
}

func (t *memTx) HasCompleted(_ context.Context, userID string, containerID int64) (bool, error) {
	_, ok := t.completion(progressKey{userID, containerID})
	return ok, nil
}

func (t *memTx) GetCompletion(_ context.Context, userID string, containerID int64) (Completion, error) {
	c, ok := t.completion(progressKey{userID, containerID})
	if !ok {
		return Completion{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) RecordCompletion(_ context.Context, userID string, containerID int64, at time.Time) (Completion, bool, error) {
	k := progressKey{userID, containerID}
	rec := Completion{UserID: userID, ContainerID: containerID, CompletedAt: at.UTC()}

	if t.ov != nil {
		if existing, ok := t.completion(k); ok {
			return existing, false, nil
		}
		t.ov.completions[k] = &rec
		return rec, true, nil
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if existing, ok := t.s.completions[k]; ok {
		return existing, false, nil
	}
	t.s.completions[k] = rec
	return rec, true, nil
}

func (t *memTx) ClearCompletion(_ context.Context, userID string, containerID int64) error {
	k := progressKey{userID, containerID}
	t.write(
		func(o *overlay) { o.completions[k] = nil },
		func(s *InMemoryStore) { delete(s.completions, k) },
	)
	return nil
}

func (t *memTx) ListCompletions(_ context.Context, containerID int64) ([]Completion, error) {
	t.s.mu.RLock()
	out := make([]Completion, 0)
	for k, c := range t.s.completions {
		if k.containerID != containerID {
			continue
		}
		if t.ov != nil {
			if v, ok := t.ov.completions[k]; ok && v == nil {
				continue
			}
		}
		out = append(out, c)
	}
	if t.ov != nil {
		for k, v := range t.ov.completions {
			if v != nil && k.containerID == containerID {
				if _, inBase := t.s.completions[k]; !inBase {
					out = append(out, *v)
				}
			}
		}
	}
	t.s.mu.RUnlock()

	sortCompletions(out)
	return out, nil
}

func sortCompletions(cs []Completion) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CompletedAt.Equal(cs[j].CompletedAt) {
			return cs[i].CompletedAt.Before(cs[j].CompletedAt)
		}
		return cs[i].UserID < cs[j].UserID
	})
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func (t *memTx) SetState(ctx context.Context, containerID int64, state State, publishedAt *time.Time) (Container, error) {
	c, err := t.GetContainer(ctx, containerID)
	if err != nil {
		return Container{}, err
	}
	c.State = state
	if publishedAt != nil {
		at := publishedAt.UTC()
		c.PublishedAt = &at
	}
	t.write(
		func(o *overlay) { o.containers[c.ID] = c },
		func(s *InMemoryStore) { s.containers[c.ID] = c },
	)
	return c, nil
}
