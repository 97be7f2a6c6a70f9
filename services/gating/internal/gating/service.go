// Package gating decides which items a user may view, records views and
// completions, and drives container lifecycle.
package gating

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/slideconfirm/internal/platform/attest"
	"github.com/example/slideconfirm/internal/platform/events"
	"github.com/example/slideconfirm/services/gating/internal/locks"
	"github.com/example/slideconfirm/services/gating/internal/metrics"
	"github.com/example/slideconfirm/services/gating/internal/store"
)

const defaultOpTimeout = 5 * time.Second

type Options struct {
	// ResetClearsCursor also deletes the position cursor on reset.
	ResetClearsCursor bool
	// MonotonicCursor keeps the stored cursor from ever decreasing.
	MonotonicCursor bool
	OpTimeout       time.Duration
	Policy          ActivePolicy
	Now             func() time.Time
}

type Deps struct {
	Store  store.Store
	Locker locks.Locker
	Events *events.Publisher
	Signer *attest.Signer
	Logger *zap.Logger
}

type Service struct {
	store  store.Store
	locker locks.Locker
	events *events.Publisher
	signer *attest.Signer
	log    *zap.Logger
	opts   Options
}

func New(d Deps, opts Options) *Service {
	if d.Locker == nil {
		d.Locker = locks.NewLocal()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.Policy == nil {
		opts.Policy = FirstPublished
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:  d.Store,
		locker: d.Locker,
		events: d.Events,
		signer: d.Signer,
		log:    d.Logger,
		opts:   opts,
	}
}

// LockKey is the serialization key for one user's progress in one container.
func LockKey(userID string, containerID int64) string {
	return "gating:" + userID + ":" + strconv.FormatInt(containerID, 10)
}

func lifecycleKey(containerID int64) string {
	return "lifecycle:" + strconv.FormatInt(containerID, 10)
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return translate(s.store.Ping(ctx))
}

// begin bounds ctx by the operation timeout. finish records latency and
// counts transient failures.
func (s *Service) begin(ctx context.Context) (context.Context, context.CancelFunc, time.Time) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	return ctx, cancel, time.Now()
}

func (s *Service) finish(op string, start time.Time, err error) {
	metrics.ObserveOp(op, start)
	if errors.Is(err, ErrUnavailable) {
		metrics.UnavailableTotal.WithLabelValues(op).Inc()
		s.log.Warn("gating: operation unavailable", zap.String("op", op), zap.Error(err))
	}
}

// locked runs fn in one transaction while holding key on both the locker and
// the store.
func (s *Service) locked(ctx context.Context, key string, fn func(tx store.Tx) error) error {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer unlock()
	return translate(s.store.InTx(ctx, key, fn))
}

// read runs fn in one unlocked transaction so multi-step reads share a
// connection.
func (s *Service) read(ctx context.Context, fn func(tx store.Tx) error) error {
	return translate(s.store.InTx(ctx, "", fn))
}

func (s *Service) now() time.Time {
	// Storage keeps microseconds; truncate so receipts survive a round trip.
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

// ResolveContainer returns the explicitly requested container when it is
// published, otherwise the container picked by the active policy.
func (s *Service) ResolveContainer(ctx context.Context, explicitID *int64) (store.Container, error) {
	return s.resolve(ctx, s.store, explicitID)
}

func (s *Service) resolve(ctx context.Context, cat store.Catalog, explicitID *int64) (store.Container, error) {
	if explicitID != nil {
		c, err := cat.GetContainer(ctx, *explicitID)
		if err == nil && c.State == store.StatePublished {
			return c, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.Container{}, translate(err)
		}
	}
	published, err := cat.ListPublished(ctx)
	if err != nil {
		return store.Container{}, translate(err)
	}
	c, ok := s.opts.Policy(published)
	if !ok {
		return store.Container{}, fmt.Errorf("%w: no published container", ErrNotFound)
	}
	return c, nil
}

// orderedItems loads a container's sequence; an empty sequence is NotFound.
func orderedItems(ctx context.Context, cat store.Catalog, containerID int64) ([]store.Item, error) {
	items, err := cat.ListItems(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: container %d has no items", ErrNotFound, containerID)
	}
	return items, nil
}

// ─── Marking ─────────────────────────────────────────────────────────────────

type MarkResult struct {
	ItemID        int64 `json:"item_id"`
	ContainerID   int64 `json:"container_id"`
	Index         int   `json:"index"`
	LastIndex     int   `json:"last_index"`
	AlreadyViewed bool  `json:"already_viewed"`
}

// MarkViewed records that userID viewed itemID. Every earlier item in the
// container must already be viewed; otherwise an *OutOfOrderError names the
// first one that is not.
func (s *Service) MarkViewed(ctx context.Context, userID string, itemID int64) (res MarkResult, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() {
		s.finish("mark_viewed", start, err)
		metrics.MarksTotal.WithLabelValues(markOutcome(res, err)).Inc()
	}()

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return MarkResult{}, translate(err)
	}

	err = s.locked(ctx, LockKey(userID, item.ContainerID), func(tx store.Tx) error {
		items, err := tx.ListItems(ctx, item.ContainerID)
		if err != nil {
			return err
		}
		pos, ok := PositionOf(items, itemID)
		if !ok {
			return fmt.Errorf("%w: item %d, container %d", ErrInvalidItem, itemID, item.ContainerID)
		}
		viewed, err := tx.ViewedSet(ctx, userID, store.ItemIDs(items[:pos+1]))
		if err != nil {
			return err
		}
		if missing, ok := FirstMissing(items, viewed, pos); ok {
			return &OutOfOrderError{ItemID: itemID, FirstMissing: missing}
		}

		if err := tx.SetViewed(ctx, userID, itemID); err != nil {
			return err
		}
		if err := tx.AdvanceTo(ctx, userID, item.ContainerID, pos, s.opts.MonotonicCursor); err != nil {
			return err
		}
		last, err := tx.LastIndex(ctx, userID, item.ContainerID)
		if err != nil {
			return err
		}
		res = MarkResult{
			ItemID:        itemID,
			ContainerID:   item.ContainerID,
			Index:         pos,
			LastIndex:     last,
			AlreadyViewed: viewed[itemID],
		}
		return nil
	})
	if err != nil {
		var ooo *OutOfOrderError
		if errors.As(err, &ooo) {
			s.log.Debug("gating: mark rejected",
				zap.String("user_id", userID),
				zap.Int64("item_id", itemID),
				zap.Int64("first_missing_item_id", ooo.FirstMissing.ID))
		}
		return MarkResult{}, err
	}

	if !res.AlreadyViewed {
		s.events.Publish(events.SubjectItemViewed, userID, map[string]any{
			"item_id":      res.ItemID,
			"container_id": res.ContainerID,
			"index":        res.Index,
		})
	}
	return res, nil
}

func markOutcome(res MarkResult, err error) string {
	switch {
	case err == nil && res.AlreadyViewed:
		return metrics.MarkRepeat
	case err == nil:
		return metrics.MarkAccepted
	case errors.Is(err, ErrOutOfOrder):
		return metrics.MarkOutOfOrder
	case errors.Is(err, ErrInvalidItem):
		return metrics.MarkInvalid
	case errors.Is(err, ErrNotFound):
		return metrics.MarkNotFound
	}
	return metrics.MarkError
}

// ─── Completion ──────────────────────────────────────────────────────────────

// CompletionResult is either pending (Missing non-empty) or completed.
type CompletionResult struct {
	ContainerID int64           `json:"container_id"`
	Completed   bool            `json:"completed"`
	New         bool            `json:"new"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Missing     []int64         `json:"missing,omitempty"`
	Receipt     *attest.Receipt `json:"-"`
}

// Complete records a completion once every item is viewed. Unviewed items
// yield a pending result, not an error. Repeat calls report New=false.
func (s *Service) Complete(ctx context.Context, userID string, containerID *int64) (res CompletionResult, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() {
		s.finish("complete", start, err)
		metrics.CompletionsTotal.WithLabelValues(completionOutcome(res, err)).Inc()
	}()

	c, err := s.ResolveContainer(ctx, containerID)
	if err != nil {
		return CompletionResult{}, err
	}

	res = CompletionResult{ContainerID: c.ID}
	err = s.locked(ctx, LockKey(userID, c.ID), func(tx store.Tx) error {
		items, err := orderedItems(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		viewed, err := tx.ViewedSet(ctx, userID, store.ItemIDs(items))
		if err != nil {
			return err
		}
		if missing := MissingItems(items, viewed); len(missing) > 0 {
			res.Missing = missing
			return nil
		}
		rec, created, err := tx.RecordCompletion(ctx, userID, c.ID, s.now())
		if err != nil {
			return err
		}
		res.Completed = true
		res.New = created
		res.CompletedAt = &rec.CompletedAt
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}

	if res.Completed {
		if s.signer != nil {
			r := s.signer.Sign(userID, c.ID, *res.CompletedAt)
			res.Receipt = &r
		}
		if res.New {
			s.log.Info("gating: container completed",
				zap.String("user_id", userID),
				zap.Int64("container_id", c.ID))
			s.events.Publish(events.SubjectContainerCompleted, userID, map[string]any{
				"container_id": c.ID,
				"completed_at": res.CompletedAt.Format(time.RFC3339Nano),
			})
		}
	}
	return res, nil
}

func completionOutcome(res CompletionResult, err error) string {
	switch {
	case err != nil:
		return metrics.CompletionError
	case !res.Completed:
		return metrics.CompletionPending
	case res.New:
		return metrics.CompletionNew
	}
	return metrics.CompletionRepeat
}

// ─── Reads ───────────────────────────────────────────────────────────────────

type ProgressResult struct {
	ContainerID int64 `json:"container_id"`
	Progress
}

// Progress counts viewed items of the resolved container.
func (s *Service) Progress(ctx context.Context, userID string, containerID *int64) (res ProgressResult, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("progress", start, err) }()

	err = s.read(ctx, func(tx store.Tx) error {
		c, err := s.resolve(ctx, tx, containerID)
		if err != nil {
			return err
		}
		items, err := orderedItems(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		n, err := tx.CountViewed(ctx, userID, store.ItemIDs(items))
		if err != nil {
			return err
		}
		res = ProgressResult{ContainerID: c.ID, Progress: Summarize(n, len(items))}
		return nil
	})
	return res, err
}

type Listing struct {
	Container store.Container `json:"container"`
	Items     []ItemView      `json:"items"`
	LastIndex int             `json:"last_index"`
	Progress  Progress        `json:"progress"`
	Completed bool            `json:"completed"`
}

// ListWithViewability returns the resolved container's items annotated for
// userID, evaluated against one ledger snapshot.
func (s *Service) ListWithViewability(ctx context.Context, userID string, containerID *int64) (res Listing, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("list_items", start, err) }()

	err = s.read(ctx, func(tx store.Tx) error {
		c, err := s.resolve(ctx, tx, containerID)
		if err != nil {
			return err
		}
		items, err := orderedItems(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		viewed, err := tx.ViewedSet(ctx, userID, store.ItemIDs(items))
		if err != nil {
			return err
		}
		last, err := tx.LastIndex(ctx, userID, c.ID)
		if err != nil {
			return err
		}
		done, err := tx.HasCompleted(ctx, userID, c.ID)
		if err != nil {
			return err
		}
		res = Listing{
			Container: c,
			Items:     ComputeViewability(items, viewed),
			LastIndex: last,
			Progress:  Summarize(len(viewed), len(items)),
			Completed: done,
		}
		return nil
	})
	return res, err
}

// Container statuses for a user.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

type ContainerStatus struct {
	store.Container
	ItemCount   int    `json:"item_count"`
	ViewedCount int    `json:"viewed_count"`
	Status      string `json:"status"`
	Percentage  int    `json:"percentage"`
}

// ListContainers returns every published container with userID's status.
func (s *Service) ListContainers(ctx context.Context, userID string) (res []ContainerStatus, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("list_containers", start, err) }()

	err = s.read(ctx, func(tx store.Tx) error {
		published, err := tx.ListPublished(ctx)
		if err != nil {
			return err
		}
		res = make([]ContainerStatus, 0, len(published))
		for _, c := range published {
			items, err := tx.ListItems(ctx, c.ID)
			if err != nil {
				return err
			}
			n, err := tx.CountViewed(ctx, userID, store.ItemIDs(items))
			if err != nil {
				return err
			}
			done, err := tx.HasCompleted(ctx, userID, c.ID)
			if err != nil {
				return err
			}
			st := ContainerStatus{
				Container:   c,
				ItemCount:   len(items),
				ViewedCount: n,
				Percentage:  int(Summarize(n, len(items)).Percentage),
				Status:      StatusNotStarted,
			}
			switch {
			case done:
				st.Status = StatusCompleted
			case n > 0:
				st.Status = StatusInProgress
			}
			res = append(res, st)
		}
		return nil
	})
	return res, err
}
