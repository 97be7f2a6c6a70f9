package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/slideconfirm/internal/platform/api"
	"github.com/example/slideconfirm/services/gating/internal/gating"
)

// writeError maps service errors onto the API envelope.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	rid := requestID(r)

	var ooo *gating.OutOfOrderError
	switch {
	case errors.As(err, &ooo):
		api.Conflict(w, "OUT_OF_ORDER", "Earlier items must be viewed first", rid, map[string]any{
			"first_missing_item_id":  ooo.FirstMissing.ID,
			"first_missing_index":    ooo.FirstMissing.Index,
			"first_missing_position": ooo.Position(),
		})
	case errors.Is(err, gating.ErrInvalidItem):
		api.Unprocessable(w, "INVALID_ITEM", "Item does not belong to the sequence", rid, nil)
	case errors.Is(err, gating.ErrNotFound):
		api.NotFound(w, "NOT_FOUND", "Not found", rid)
	case errors.Is(err, gating.ErrAlreadyPublished):
		api.Conflict(w, "ALREADY_PUBLISHED", "Container is already published", rid, nil)
	case errors.Is(err, gating.ErrAlreadyDraft):
		api.Conflict(w, "ALREADY_DRAFT", "Container is already draft", rid, nil)
	case errors.Is(err, gating.ErrInvalidInput):
		api.BadRequest(w, "INVALID_INPUT", err.Error(), rid, nil)
	case errors.Is(err, gating.ErrUnavailable):
		api.Unavailable(w, "Temporarily unavailable, retry", rid)
	default:
		log.Error("unhandled error", zap.String("path", r.URL.Path), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
	}
}
