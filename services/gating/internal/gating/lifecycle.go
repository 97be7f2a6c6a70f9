package gating

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/slideconfirm/internal/platform/attest"
	"github.com/example/slideconfirm/internal/platform/events"
	"github.com/example/slideconfirm/services/gating/internal/metrics"
	"github.com/example/slideconfirm/services/gating/internal/store"
)

// Publish moves a draft container to published and stamps PublishedAt.
func (s *Service) Publish(ctx context.Context, containerID int64) (store.Container, error) {
	return s.transition(ctx, containerID, store.StatePublished)
}

// Unpublish reverts a container to draft. User progress is kept.
func (s *Service) Unpublish(ctx context.Context, containerID int64) (store.Container, error) {
	return s.transition(ctx, containerID, store.StateDraft)
}

func (s *Service) transition(ctx context.Context, containerID int64, to store.State) (c store.Container, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("set_state", start, err) }()

	err = s.locked(ctx, lifecycleKey(containerID), func(tx store.Tx) error {
		cur, err := tx.GetContainer(ctx, containerID)
		if err != nil {
			return err
		}
		if cur.State == to {
			if to == store.StatePublished {
				return fmt.Errorf("%w: container %d", ErrAlreadyPublished, containerID)
			}
			return fmt.Errorf("%w: container %d", ErrAlreadyDraft, containerID)
		}
		var stamp *time.Time
		if to == store.StatePublished {
			now := s.now()
			stamp = &now
		}
		c, err = tx.SetState(ctx, containerID, to, stamp)
		return err
	})
	if err != nil {
		return store.Container{}, err
	}

	metrics.LifecycleTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.log.Info("gating: container state changed",
		zap.Int64("container_id", containerID),
		zap.String("state", string(to)))
	subject := events.SubjectContainerPublished
	if to == store.StateDraft {
		subject = events.SubjectContainerDrafted
	}
	s.events.Publish(subject, "", map[string]any{"container_id": containerID})
	return c, nil
}

// ResetProgress deletes userID's views and completion for the container in one
// transaction. The cursor is cleared only when configured.
func (s *Service) ResetProgress(ctx context.Context, userID string, containerID int64) (err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("reset", start, err) }()

	if _, err := s.store.GetContainer(ctx, containerID); err != nil {
		return translate(err)
	}

	err = s.locked(ctx, LockKey(userID, containerID), func(tx store.Tx) error {
		items, err := tx.ListItems(ctx, containerID)
		if err != nil {
			return err
		}
		if err := tx.ClearViewed(ctx, userID, store.ItemIDs(items)); err != nil {
			return err
		}
		if err := tx.ClearCompletion(ctx, userID, containerID); err != nil {
			return err
		}
		if s.opts.ResetClearsCursor {
			return tx.ClearCursor(ctx, userID, containerID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ResetsTotal.Inc()
	s.log.Info("gating: progress reset",
		zap.String("user_id", userID),
		zap.Int64("container_id", containerID),
		zap.Bool("cursor_cleared", s.opts.ResetClearsCursor))
	s.events.Publish(events.SubjectProgressReset, userID, map[string]any{"container_id": containerID})
	return nil
}

// ─── Admin ───────────────────────────────────────────────────────────────────

// ImportContainer creates a draft container with items in the given order.
func (s *Service) ImportContainer(ctx context.Context, title string, itemTitles []string) (c store.Container, items []store.Item, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("import", start, err) }()

	title = strings.TrimSpace(title)
	if title == "" {
		return store.Container{}, nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(itemTitles) == 0 {
		return store.Container{}, nil, fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}

	c, items, err = s.store.CreateContainer(ctx, title, itemTitles)
	if err != nil {
		return store.Container{}, nil, translate(err)
	}
	s.log.Info("gating: container imported",
		zap.Int64("container_id", c.ID),
		zap.Int("items", len(items)))
	s.events.Publish(events.SubjectContainerImported, "", map[string]any{
		"container_id": c.ID,
		"items":        len(items),
	})
	return c, items, nil
}

// ContainerItems returns a container and its items regardless of state.
func (s *Service) ContainerItems(ctx context.Context, containerID int64) (c store.Container, items []store.Item, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("container_items", start, err) }()

	err = s.read(ctx, func(tx store.Tx) error {
		if c, err = tx.GetContainer(ctx, containerID); err != nil {
			return err
		}
		items, err = tx.ListItems(ctx, containerID)
		return err
	})
	return c, items, err
}

type Report struct {
	Container   store.Container    `json:"container"`
	ItemCount   int                `json:"item_count"`
	Completions []store.Completion `json:"completions"`
}

// CompletionReport lists every user who completed the container.
func (s *Service) CompletionReport(ctx context.Context, containerID int64) (r Report, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("completion_report", start, err) }()

	err = s.read(ctx, func(tx store.Tx) error {
		c, err := tx.GetContainer(ctx, containerID)
		if err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, containerID)
		if err != nil {
			return err
		}
		list, err := tx.ListCompletions(ctx, containerID)
		if err != nil {
			return err
		}
		r = Report{Container: c, ItemCount: len(items), Completions: list}
		return nil
	})
	return r, err
}

type ReceiptCheck struct {
	Receipt attest.Receipt `json:"receipt"`
	// Valid reports a correct signature.
	Valid bool `json:"valid"`
	// Current reports that the completion still exists with the same timestamp.
	Current bool `json:"current"`
}

// VerifyReceipt checks a receipt token's signature and whether the completion
// it attests survives (a reset invalidates it).
func (s *Service) VerifyReceipt(ctx context.Context, token string) (res ReceiptCheck, err error) {
	ctx, cancel, start := s.begin(ctx)
	defer cancel()
	defer func() { s.finish("verify_receipt", start, err) }()

	r, err := attest.Decode(token)
	if err != nil {
		return ReceiptCheck{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	res = ReceiptCheck{Receipt: r, Valid: s.signer.Verify(r)}
	if !res.Valid {
		return res, nil
	}

	rec, err := s.store.GetCompletion(ctx, r.UserID, r.ContainerID)
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return ReceiptCheck{}, translate(err)
	}
	res.Current = rec.CompletedAt.Equal(r.CompletedAt)
	return res, nil
}
