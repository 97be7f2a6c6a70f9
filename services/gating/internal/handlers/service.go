package handlers

import (
	"context"

	"github.com/example/slideconfirm/services/gating/internal/gating"
	"github.com/example/slideconfirm/services/gating/internal/store"
)

// Viewer is the per-user gating surface.
type Viewer interface {
	ListWithViewability(ctx context.Context, userID string, containerID *int64) (gating.Listing, error)
	MarkViewed(ctx context.Context, userID string, itemID int64) (gating.MarkResult, error)
	Complete(ctx context.Context, userID string, containerID *int64) (gating.CompletionResult, error)
	Progress(ctx context.Context, userID string, containerID *int64) (gating.ProgressResult, error)
	ListContainers(ctx context.Context, userID string) ([]gating.ContainerStatus, error)
	ResetProgress(ctx context.Context, userID string, containerID int64) error
}

// Admin is the administrative surface.
type Admin interface {
	Publish(ctx context.Context, containerID int64) (store.Container, error)
	Unpublish(ctx context.Context, containerID int64) (store.Container, error)
	ImportContainer(ctx context.Context, title string, itemTitles []string) (store.Container, []store.Item, error)
	ContainerItems(ctx context.Context, containerID int64) (store.Container, []store.Item, error)
	CompletionReport(ctx context.Context, containerID int64) (gating.Report, error)
	VerifyReceipt(ctx context.Context, token string) (gating.ReceiptCheck, error)
}

var (
	_ Viewer = (*gating.Service)(nil)
	_ Admin  = (*gating.Service)(nil)
)
