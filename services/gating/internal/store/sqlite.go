package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore persists everything in a single SQLite file. One connection is
// kept open, so all transactions are serialized through it.
type SQLiteStore struct {
	db *sql.DB
	*sqliteTx
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, sqliteTx: &sqliteTx{q: db}}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return mapSQLiteErr(s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx ignores lockKey: the single connection already serializes writers.
func (s *SQLiteStore) InTx(ctx context.Context, _ string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapUnavailable(err)
	}
	return mapSQLiteErr(tx.Commit())
}

func (s *SQLiteStore) CreateContainer(ctx context.Context, title string, itemTitles []string) (Container, []Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Container{}, nil, mapSQLiteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO containers (title, state, created_at) VALUES (?, ?, ?)`,
		title, string(StateDraft), now.UnixMicro())
	if err != nil {
		return Container{}, nil, mapSQLiteErr(err)
	}
	cid, err := res.LastInsertId()
	if err != nil {
		return Container{}, nil, err
	}

	items := make([]Item, len(itemTitles))
	for i, raw := range itemTitles {
		it := Item{ContainerID: cid, Index: i, Title: itemTitle(raw, i)}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO items (container_id, seq_index, title) VALUES (?, ?, ?)`,
			cid, i, it.Title)
		if err != nil {
			return Container{}, nil, mapSQLiteErr(err)
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return Container{}, nil, err
		}
		items[i] = it
	}
	if err := tx.Commit(); err != nil {
		return Container{}, nil, mapSQLiteErr(err)
	}
	return Container{ID: cid, Title: title, State: StateDraft, CreatedAt: now}, items, nil
}

func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return wrapUnavailable(err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return wrapUnavailable(err)
		}
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(prefix []any, ids []int64) []any {
	args := make([]any, 0, len(prefix)+len(ids))
	args = append(args, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// sqliteTx runs queries against either the pool or an open transaction.
type sqliteTx struct {
	q sqlQuerier
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

const sqliteContainerCols = `id, title, state, created_at, published_at`

func scanSQLiteContainer(row interface{ Scan(...any) error }) (Container, error) {
	var (
		c         Container
		state     string
		created   int64
		published sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Title, &state, &created, &published); err != nil {
		return Container{}, err
	}
	c.State = State(state)
	c.CreatedAt = fromMicros(created)
	if published.Valid {
		at := fromMicros(published.Int64)
		c.PublishedAt = &at
	}
	return c, nil
}

func (t *sqliteTx) GetContainer(ctx context.Context, id int64) (Container, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+sqliteContainerCols+` FROM containers WHERE id = ?`, id)
	c, err := scanSQLiteContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Container{}, ErrNotFound
	}
	return c, mapSQLiteErr(err)
}

func (t *sqliteTx) ListPublished(ctx context.Context) ([]Container, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+sqliteContainerCols+` FROM containers WHERE state = ? ORDER BY created_at, id`,
		string(StatePublished))
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	out := make([]Container, 0)
	for rows.Next() {
		c, err := scanSQLiteContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapSQLiteErr(rows.Err())
}

func (t *sqliteTx) ListItems(ctx context.Context, containerID int64) ([]Item, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, container_id, seq_index, title FROM items WHERE container_id = ? ORDER BY seq_index`,
		containerID)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	out := make([]Item, 0)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ContainerID, &it.Index, &it.Title); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, mapSQLiteErr(rows.Err())
}

func (t *sqliteTx) GetItem(ctx context.Context, itemID int64) (Item, error) {
	var it Item
	err := t.q.QueryRowContext(ctx,
		`SELECT id, container_id, seq_index, title FROM items WHERE id = ?`, itemID).
		Scan(&it.ID, &it.ContainerID, &it.Index, &it.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, mapSQLiteErr(err)
}

// ─── Ledger ──────────────────────────────────────────────────────────────────

func (t *sqliteTx) IsViewed(ctx context.Context, userID string, itemID int64) (bool, error) {
	var viewed bool
	err := t.q.QueryRowContext(ctx,
		`SELECT viewed FROM view_ledger WHERE user_id = ? AND item_id = ?`, userID, itemID).Scan(&viewed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return viewed, mapSQLiteErr(err)
}

func (t *sqliteTx) ViewedSet(ctx context.Context, userID string, itemIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT item_id FROM view_ledger WHERE user_id = ? AND viewed = 1 AND item_id IN (`+placeholders(len(itemIDs))+`)`,
		int64Args([]any{userID}, itemIDs)...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, mapSQLiteErr(rows.Err())
}

func (t *sqliteTx) CountViewed(ctx context.Context, userID string, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM view_ledger WHERE user_id = ? AND viewed = 1 AND item_id IN (`+placeholders(len(itemIDs))+`)`,
		int64Args([]any{userID}, itemIDs)...).Scan(&n)
	return n, mapSQLiteErr(err)
}

func (t *sqliteTx) SetViewed(ctx context.Context, userID string, itemID int64) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO view_ledger (user_id, item_id, viewed, viewed_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT (user_id, item_id) DO UPDATE SET viewed = 1`,
		userID, itemID, time.Now().UTC().UnixMicro())
	return mapSQLiteErr(err)
}

func (t *sqliteTx) ClearViewed(ctx context.Context, userID string, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM view_ledger WHERE user_id = ? AND item_id IN (`+placeholders(len(itemIDs))+`)`,
		int64Args([]any{userID}, itemIDs)...)
	return mapSQLiteErr(err)
}

// ─── Cursors ─────────────────────────────────────────────────────────────────

func (t *sqliteTx) LastIndex(ctx context.Context, userID string, containerID int64) (int, error) {
	var idx int
	err := t.q.QueryRowContext(ctx,
		`SELECT last_index FROM position_cursors WHERE user_id = ? AND container_id = ?`,
		userID, containerID).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return idx, mapSQLiteErr(err)
}

func (t *sqliteTx) AdvanceTo(ctx context.Context, userID string, containerID int64, index int, monotonic bool) error {
	set := `last_index = excluded.last_index`
	if monotonic {
		set = `last_index = MAX(position_cursors.last_index, excluded.last_index)`
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO position_cursors (user_id, container_id, last_index, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, container_id) DO UPDATE SET `+set+`, updated_at = excluded.updated_at`,
		userID, containerID, index, time.Now().UTC().UnixMicro())
	return mapSQLiteErr(err)
}

func (t *sqliteTx) ClearCursor(ctx context.Context, userID string, containerID int64) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM position_cursors WHERE user_id = ? AND container_id = ?`, userID, containerID)
	return mapSQLiteErr(err)
}

// ─── Completions ─────────────────────────────────────────────────────────────

func (t *sqliteTx) HasCompleted(ctx context.Context, userID string, containerID int64) (bool, error) {
	_, err := t.GetCompletion(ctx, userID, containerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *sqliteTx) GetCompletion(ctx context.Context, userID string, containerID int64) (Completion, error) {
	var at int64
	err := t.q.QueryRowContext(ctx,
		`SELECT completed_at FROM completions WHERE user_id = ? AND container_id = ?`,
		userID, containerID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return Completion{}, ErrNotFound
	}
	if err != nil {
		return Completion{}, mapSQLiteErr(err)
	}
	return Completion{UserID: userID, ContainerID: containerID, CompletedAt: fromMicros(at)}, nil
}

func (t *sqliteTx) RecordCompletion(ctx context.Context, userID string, containerID int64, at time.Time) (Completion, bool, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO completions (user_id, container_id, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, container_id) DO NOTHING`,
		userID, containerID, at.UTC().UnixMicro())
	if err != nil {
		return Completion{}, false, mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Completion{}, false, err
	}
	rec, err := t.GetCompletion(ctx, userID, containerID)
	return rec, n > 0, err
}

func (t *sqliteTx) ClearCompletion(ctx context.Context, userID string, containerID int64) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM completions WHERE user_id = ? AND container_id = ?`, userID, containerID)
	return mapSQLiteErr(err)
}

func (t *sqliteTx) ListCompletions(ctx context.Context, containerID int64) ([]Completion, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT user_id, completed_at FROM completions WHERE container_id = ? ORDER BY completed_at, user_id`,
		containerID)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	out := make([]Completion, 0)
	for rows.Next() {
		c := Completion{ContainerID: containerID}
		var at int64
		if err := rows.Scan(&c.UserID, &at); err != nil {
			return nil, err
		}
		c.CompletedAt = fromMicros(at)
		out = append(out, c)
	}
	return out, mapSQLiteErr(rows.Err())
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func (t *sqliteTx) SetState(ctx context.Context, containerID int64, state State, publishedAt *time.Time) (Container, error) {
	var published any
	if publishedAt != nil {
		published = publishedAt.UTC().UnixMicro()
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE containers SET state = ?, published_at = COALESCE(?, published_at) WHERE id = ?`,
		string(state), published, containerID)
	if err != nil {
		return Container{}, mapSQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Container{}, ErrNotFound
	}
	return t.GetContainer(ctx, containerID)
}
