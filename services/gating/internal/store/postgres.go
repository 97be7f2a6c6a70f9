package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore is the production backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	*pgTx
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgTx: &pgTx{q: pool}}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", mapPgErr(err))
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return mapPgErr(s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// InTx takes a transaction-scoped advisory lock on lockKey before running fn.
// The lock is released on commit or rollback.
func (s *PostgresStore) InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if lockKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return mapPgErr(err)
		}
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return mapPgErr(tx.Commit(ctx))
}

func (s *PostgresStore) CreateContainer(ctx context.Context, title string, itemTitles []string) (Container, []Item, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Container{}, nil, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	c := Container{Title: title, State: StateDraft}
	err = tx.QueryRow(ctx,
		`INSERT INTO containers (title, state) VALUES ($1, $2) RETURNING id, created_at`,
		title, string(StateDraft)).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return Container{}, nil, mapPgErr(err)
	}
	c.CreatedAt = c.CreatedAt.UTC()

	items := make([]Item, len(itemTitles))
	for i, raw := range itemTitles {
		it := Item{ContainerID: c.ID, Index: i, Title: itemTitle(raw, i)}
		err := tx.QueryRow(ctx,
			`INSERT INTO items (container_id, seq_index, title) VALUES ($1, $2, $3) RETURNING id`,
			c.ID, i, it.Title).Scan(&it.ID)
		if err != nil {
			return Container{}, nil, mapPgErr(err)
		}
		items[i] = it
	}
	if err := tx.Commit(ctx); err != nil {
		return Container{}, nil, mapPgErr(err)
	}
	return c, items, nil
}

// mapPgErr marks timeouts and connection failures as ErrUnavailable.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if isContextErr(err) || pgconn.Timeout(err) {
		return wrapUnavailable(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return wrapUnavailable(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "57014":
			// serialization_failure, deadlock_detected, lock_not_available,
			// admin_shutdown, query_canceled
			return wrapUnavailable(err)
		}
	}
	return err
}

type pgTx struct {
	q pgQuerier
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

const pgContainerCols = `id, title, state, created_at, published_at`

func scanPgContainer(row pgx.Row) (Container, error) {
	var (
		c     Container
		state string
	)
	if err := row.Scan(&c.ID, &c.Title, &state, &c.CreatedAt, &c.PublishedAt); err != nil {
		return Container{}, err
	}
	c.State = State(state)
	c.CreatedAt = c.CreatedAt.UTC()
	if c.PublishedAt != nil {
		at := c.PublishedAt.UTC()
		c.PublishedAt = &at
	}
	return c, nil
}

func (t *pgTx) GetContainer(ctx context.Context, id int64) (Container, error) {
	c, err := scanPgContainer(t.q.QueryRow(ctx, `SELECT `+pgContainerCols+` FROM containers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Container{}, ErrNotFound
	}
	return c, mapPgErr(err)
}

func (t *pgTx) ListPublished(ctx context.Context) ([]Container, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+pgContainerCols+` FROM containers WHERE state = $1 ORDER BY created_at, id`,
		string(StatePublished))
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]Container, 0)
	for rows.Next() {
		c, err := scanPgContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapPgErr(rows.Err())
}

func (t *pgTx) ListItems(ctx context.Context, containerID int64) ([]Item, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, container_id, seq_index, title FROM items WHERE container_id = $1 ORDER BY seq_index`,
		containerID)
	if err != nil {
		return nil, mapPgErr(err)
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
	return out, mapPgErr(rows.Err())
}

func (t *pgTx) GetItem(ctx context.Context, itemID int64) (Item, error) {
	var it Item
	err := t.q.QueryRow(ctx,
		`SELECT id, container_id, seq_index, title FROM items WHERE id = $1`, itemID).
		Scan(&it.ID, &it.ContainerID, &it.Index, &it.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, mapPgErr(err)
}

// ─── Ledger ──────────────────────────────────────────────────────────────────

func (t *pgTx) IsViewed(ctx context.Context, userID string, itemID int64) (bool, error) {
	var viewed bool
	err := t.q.QueryRow(ctx,
		`SELECT viewed FROM view_ledger WHERE user_id = $1 AND item_id = $2`, userID, itemID).Scan(&viewed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return viewed, mapPgErr(err)
}

func (t *pgTx) ViewedSet(ctx context.Context, userID string, itemIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := t.q.Query(ctx,
		`SELECT item_id FROM view_ledger WHERE user_id = $1 AND viewed AND item_id = ANY($2)`,
		userID, itemIDs)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, mapPgErr(rows.Err())
}

func (t *pgTx) CountViewed(ctx context.Context, userID string, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM view_ledger WHERE user_id = $1 AND viewed AND item_id = ANY($2)`,
		userID, itemIDs).Scan(&n)
	return n, mapPgErr(err)
}

func (t *pgTx) SetViewed(ctx context.Context, userID string, itemID int64) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO view_ledger (user_id, item_id, viewed) VALUES ($1, $2, TRUE)
		 ON CONFLICT (user_id, item_id) DO UPDATE SET viewed = TRUE`,
		userID, itemID)
	return mapPgErr(err)
}

func (t *pgTx) ClearViewed(ctx context.Context, userID string, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx,
		`DELETE FROM view_ledger WHERE user_id = $1 AND item_id = ANY($2)`, userID, itemIDs)
	return mapPgErr(err)
}

// ─── Cursors ─────────────────────────────────────────────────────────────────

func (t *pgTx) LastIndex(ctx context.Context, userID string, containerID int64) (int, error) {
	var idx int
	err := t.q.QueryRow(ctx,
		`SELECT last_index FROM position_cursors WHERE user_id = $1 AND container_id = $2`,
		userID, containerID).Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return idx, mapPgErr(err)
}

func (t *pgTx) AdvanceTo(ctx context.Context, userID string, containerID int64, index int, monotonic bool) error {
	set := `last_index = EXCLUDED.last_index`
	if monotonic {
		set = `last_index = GREATEST(position_cursors.last_index, EXCLUDED.last_index)`
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO position_cursors (user_id, container_id, last_index) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, container_id) DO UPDATE SET `+set+`, updated_at = now()`,
		userID, containerID, index)
	return mapPgErr(err)
}

func (t *pgTx) ClearCursor(ctx context.Context, userID string, containerID int64) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM position_cursors WHERE user_id = $1 AND container_id = $2`, userID, containerID)
	return mapPgErr(err)
}

// ─── Completions ─────────────────────────────────────────────────────────────

func (t *pgTx) HasCompleted(ctx context.Context, userID string, containerID int64) (bool, error) {
	var ok bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM completions WHERE user_id = $1 AND container_id = $2)`,
		userID, containerID).Scan(&ok)
	return ok, mapPgErr(err)
}

func (t *pgTx) GetCompletion(ctx context.Context, userID string, containerID int64) (Completion, error) {
	c := Completion{UserID: userID, ContainerID: containerID}
	err := t.q.QueryRow(ctx,
		`SELECT completed_at FROM completions WHERE user_id = $1 AND container_id = $2`,
		userID, containerID).Scan(&c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Completion{}, ErrNotFound
	}
	if err != nil {
		return Completion{}, mapPgErr(err)
	}
	c.CompletedAt = c.CompletedAt.UTC()
	return c, nil
}

func (t *pgTx) RecordCompletion(ctx context.Context, userID string, containerID int64, at time.Time) (Completion, bool, error) {
	c := Completion{UserID: userID, ContainerID: containerID}
	err := t.q.QueryRow(ctx,
		`INSERT INTO completions (user_id, container_id, completed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, container_id) DO NOTHING
		 RETURNING completed_at`,
		userID, containerID, at.UTC()).Scan(&c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := t.GetCompletion(ctx, userID, containerID)
		return existing, false, err
	}
	if err != nil {
		return Completion{}, false, mapPgErr(err)
	}
	c.CompletedAt = c.CompletedAt.UTC()
	return c, true, nil
}

func (t *pgTx) ClearCompletion(ctx context.Context, userID string, containerID int64) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM completions WHERE user_id = $1 AND container_id = $2`, userID, containerID)
	return mapPgErr(err)
}

func (t *pgTx) ListCompletions(ctx context.Context, containerID int64) ([]Completion, error) {
	rows, err := t.q.Query(ctx,
		`SELECT user_id, completed_at FROM completions WHERE container_id = $1 ORDER BY completed_at, user_id`,
		containerID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]Completion, 0)
	for rows.Next() {
		c := Completion{ContainerID: containerID}
		if err := rows.Scan(&c.UserID, &c.CompletedAt); err != nil {
			return nil, err
		}
		c.CompletedAt = c.CompletedAt.UTC()
		out = append(out, c)
	}
	return out, mapPgErr(rows.Err())
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func (t *pgTx) SetState(ctx context.Context, containerID int64, state State, publishedAt *time.Time) (Container, error) {
	c, err := scanPgContainer(t.q.QueryRow(ctx,
		`UPDATE containers SET state = $2, published_at = COALESCE($3, published_at)
		 WHERE id = $1
		 RETURNING `+pgContainerCols,
		containerID, string(state), publishedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return Container{}, ErrNotFound
	}
	return c, mapPgErr(err)
}
