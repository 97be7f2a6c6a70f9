package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Interface conformance.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

type storeFactory func(t *testing.T) Store

func newSQLiteForTest(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "gating.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInMemoryStore_Contract(t *testing.T) {
	runContract(t, func(*testing.T) Store { return NewInMemoryStore() })
}

func TestSQLiteStore_Contract(t *testing.T) {
	runContract(t, newSQLiteForTest)
}

func runContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateContainer", func(t *testing.T) { testCreateContainer(t, newStore(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("ListPublishedOrder", func(t *testing.T) { testListPublishedOrder(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, newStore(t)) })
	t.Run("Completions", func(t *testing.T) { testCompletions(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxReadYourWrites", func(t *testing.T) { testTxReadYourWrites(t, newStore(t)) })
	t.Run("TxSerializedByKey", func(t *testing.T) { testTxSerializedByKey(t, newStore(t)) })
	t.Run("TxDeadline", func(t *testing.T) { testTxDeadline(t, newStore(t)) })
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

func testCreateContainer(t *testing.T, s Store) {
	ctx := context.Background()
	c, items, err := s.CreateContainer(ctx, "Onboarding", []string{"Welcome", "", "  Wrap up  "})
	require.NoError(t, err)
	require.NotZero(t, c.ID)
	require.Equal(t, StateDraft, c.State)
	require.Nil(t, c.PublishedAt)
	require.Len(t, items, 3)

	require.Equal(t, "Welcome", items[0].Title)
	require.Equal(t, "Slide 2", items[1].Title)
	require.Equal(t, "Wrap up", items[2].Title)
	for i, it := range items {
		require.Equal(t, i, it.Index)
		require.Equal(t, c.ID, it.ContainerID)
	}

	listed, err := s.ListItems(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, items, listed)

	got, err := s.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	require.Equal(t, items[1], got)

	_, err = s.GetItem(ctx, 999999)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetContainer(ctx, 999999)
	require.ErrorIs(t, err, ErrNotFound)

	empty, err := s.ListItems(ctx, 999999)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	c, _, err := s.CreateContainer(ctx, "Deck", []string{"a"})
	require.NoError(t, err)

	published, err := s.ListPublished(ctx)
	require.NoError(t, err)
	require.Empty(t, published)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	got, err := s.SetState(ctx, c.ID, StatePublished, &at)
	require.NoError(t, err)
	require.Equal(t, StatePublished, got.State)
	require.NotNil(t, got.PublishedAt)
	require.True(t, got.PublishedAt.Equal(at))

	published, err = s.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, published, 1)

	got, err = s.SetState(ctx, c.ID, StateDraft, nil)
	require.NoError(t, err)
	require.Equal(t, StateDraft, got.State)
	require.NotNil(t, got.PublishedAt, "unpublish keeps the last publish time")

	_, err = s.SetState(ctx, 999999, StatePublished, &at)
	require.ErrorIs(t, err, ErrNotFound)
}

func testListPublishedOrder(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []int64
	for _, title := range []string{"first", "second", "third"} {
		c, _, err := s.CreateContainer(ctx, title, []string{"x"})
		require.NoError(t, err)
		ids = append(ids, c.ID)
		time.Sleep(2 * time.Millisecond)
	}
	now := time.Now()
	// publish in reverse; order must follow creation, not publication
	for i := len(ids) - 1; i >= 0; i-- {
		_, err := s.SetState(ctx, ids[i], StatePublished, &now)
		require.NoError(t, err)
	}

	got, err := s.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range ids {
		require.Equal(t, ids[i], got[i].ID)
	}
}

// ─── Progress ────────────────────────────────────────────────────────────────

func testLedger(t *testing.T, s Store) {
	ctx := context.Background()
	_, items, err := s.CreateContainer(ctx, "Deck", []string{"a", "b", "c"})
	require.NoError(t, err)
	ids := ItemIDs(items)

	ok, err := s.IsViewed(ctx, "u1", ids[0])
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetViewed(ctx, "u1", ids[0]))
	require.NoError(t, s.SetViewed(ctx, "u1", ids[0]))
	require.NoError(t, s.SetViewed(ctx, "u1", ids[2]))
	require.NoError(t, s.SetViewed(ctx, "u2", ids[1]))

	set, err := s.ViewedSet(ctx, "u1", ids)
	require.NoError(t, err)
	require.Equal(t, map[int64]bool{ids[0]: true, ids[2]: true}, set)

	n, err := s.CountViewed(ctx, "u1", ids)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.CountViewed(ctx, "u1", nil)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.ClearViewed(ctx, "u1", ids))
	n, err = s.CountViewed(ctx, "u1", ids)
	require.NoError(t, err)
	require.Zero(t, n)

	// other users untouched
	ok, err = s.IsViewed(ctx, "u2", ids[1])
	require.NoError(t, err)
	require.True(t, ok)
}

func testCursor(t *testing.T, s Store) {
	ctx := context.Background()
	c, _, err := s.CreateContainer(ctx, "Deck", []string{"a", "b", "c"})
	require.NoError(t, err)

	idx, err := s.LastIndex(ctx, "u1", c.ID)
	require.NoError(t, err)
	require.Zero(t, idx)

	require.NoError(t, s.AdvanceTo(ctx, "u1", c.ID, 2, false))
	require.NoError(t, s.AdvanceTo(ctx, "u1", c.ID, 1, false))
	idx, _ = s.LastIndex(ctx, "u1", c.ID)
	require.Equal(t, 1, idx, "last write wins")

	require.NoError(t, s.AdvanceTo(ctx, "u1", c.ID, 2, true))
	require.NoError(t, s.AdvanceTo(ctx, "u1", c.ID, 0, true))
	idx, _ = s.LastIndex(ctx, "u1", c.ID)
	require.Equal(t, 2, idx, "monotonic never decreases")

	require.NoError(t, s.ClearCursor(ctx, "u1", c.ID))
	idx, _ = s.LastIndex(ctx, "u1", c.ID)
	require.Zero(t, idx)
}

func testCompletions(t *testing.T, s Store) {
	ctx := context.Background()
	c, _, err := s.CreateContainer(ctx, "Deck", []string{"a"})
	require.NoError(t, err)

	first := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec, created, err := s.RecordCompletion(ctx, "u1", c.ID, first)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, rec.CompletedAt.Equal(first))

	again, created, err := s.RecordCompletion(ctx, "u1", c.ID, first.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, again.CompletedAt.Equal(first), "original timestamp is preserved")

	_, _, err = s.RecordCompletion(ctx, "u0", c.ID, first.Add(-time.Minute))
	require.NoError(t, err)

	has, err := s.HasCompleted(ctx, "u1", c.ID)
	require.NoError(t, err)
	require.True(t, has)

	list, err := s.ListCompletions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "u0", list[0].UserID)
	require.Equal(t, "u1", list[1].UserID)

	require.NoError(t, s.ClearCompletion(ctx, "u1", c.ID))
	_, err = s.GetCompletion(ctx, "u1", c.ID)
	require.ErrorIs(t, err, ErrNotFound)
	has, err = s.HasCompleted(ctx, "u1", c.ID)
	require.NoError(t, err)
	require.False(t, has)
}

// ─── Transactions ────────────────────────────────────────────────────────────

func testTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	c, items, err := s.CreateContainer(ctx, "Deck", []string{"a", "b"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.InTx(ctx, "gating:u1:1", func(tx Tx) error {
		require.NoError(t, tx.SetViewed(ctx, "u1", items[0].ID))
		require.NoError(t, tx.AdvanceTo(ctx, "u1", c.ID, 0, false))
		_, _, err := tx.RecordCompletion(ctx, "u1", c.ID, time.Now())
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	ok, _ := s.IsViewed(ctx, "u1", items[0].ID)
	require.False(t, ok, "rolled back view must not persist")
	has, _ := s.HasCompleted(ctx, "u1", c.ID)
	require.False(t, has, "rolled back completion must not persist")
}

func testTxReadYourWrites(t *testing.T, s Store) {
	ctx := context.Background()
	c, items, err := s.CreateContainer(ctx, "Deck", []string{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, s.SetViewed(ctx, "u1", items[1].ID))

	err = s.InTx(ctx, "k", func(tx Tx) error {
		require.NoError(t, tx.SetViewed(ctx, "u1", items[0].ID))
		require.NoError(t, tx.ClearViewed(ctx, "u1", []int64{items[1].ID}))
		set, err := tx.ViewedSet(ctx, "u1", ItemIDs(items))
		require.NoError(t, err)
		require.Equal(t, map[int64]bool{items[0].ID: true}, set)

		now := time.Now().UTC().Truncate(time.Microsecond)
		_, created, err := tx.RecordCompletion(ctx, "u1", c.ID, now)
		require.NoError(t, err)
		require.True(t, created)
		_, created, err = tx.RecordCompletion(ctx, "u1", c.ID, now)
		require.NoError(t, err)
		require.False(t, created)

		pub, err := tx.SetState(ctx, c.ID, StatePublished, &now)
		require.NoError(t, err)
		got, err := tx.GetContainer(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, pub.State, got.State)
		return nil
	})
	require.NoError(t, err)

	list, err := s.ListCompletions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testTxSerializedByKey(t *testing.T, s Store) {
	ctx := context.Background()
	c, _, err := s.CreateContainer(ctx, "Deck", []string{"a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, "gating:u1:c", func(tx Tx) error {
				_, ok, err := tx.RecordCompletion(ctx, "u1", c.ID, time.Now())
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
				return err
			})
			if err != nil {
				t.Errorf("tx: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)
}

func testTxDeadline(t *testing.T, s Store) {
	_, items, err := s.CreateContainer(context.Background(), "Deck", []string{"a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.InTx(ctx, "k", func(tx Tx) error {
		if err := tx.SetViewed(ctx, "u1", items[0].ID); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	require.ErrorIs(t, err, ErrUnavailable)

	ok, err := s.IsViewed(context.Background(), "u1", items[0].ID)
	require.NoError(t, err)
	require.False(t, ok)
}
