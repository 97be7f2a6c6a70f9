package gating

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/slideconfirm/services/gating/internal/store"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidItem      = errors.New("item does not belong to the sequence")
	ErrOutOfOrder       = errors.New("item viewed out of order")
	ErrAlreadyPublished = errors.New("container already published")
	ErrAlreadyDraft     = errors.New("container already draft")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrUnavailable is transient; the whole operation is safe to retry.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// OutOfOrderError rejects a mark because an earlier item is unviewed.
type OutOfOrderError struct {
	ItemID       int64
	FirstMissing store.Item
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("item %d viewed out of order: item %d at position %d is not viewed",
		e.ItemID, e.FirstMissing.ID, e.Position())
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrder }

// Position is the 1-based position of the first missing item.
func (e *OutOfOrderError) Position() int { return e.FirstMissing.Index + 1 }

// translate maps store and context failures onto the service taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
