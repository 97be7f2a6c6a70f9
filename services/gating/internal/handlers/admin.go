package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/slideconfirm/internal/platform/api"
	"github.com/example/slideconfirm/services/gating/internal/store"
)

// Publish moves a container to published.
func Publish(svc Admin, log *zap.Logger) http.HandlerFunc {
	return transition(svc.Publish, log)
}

// Unpublish reverts a container to draft.
func Unpublish(svc Admin, log *zap.Logger) http.HandlerFunc {
	return transition(svc.Unpublish, log)
}

func transition(fn func(ctx context.Context, id int64) (store.Container, error), log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := pathID(w, r, "container_id")
		if !ok {
			return
		}
		c, err := fn(r.Context(), cid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, c)
	}
}

type importRequest struct {
	Title string   `json:"title"`
	Items []string `json:"items"`
}

type containerWithItems struct {
	Container store.Container `json:"container"`
	Items     []store.Item    `json:"items"`
}

// ImportContainer creates a draft container from an ordered list of item titles.
func ImportContainer(svc Admin, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJSON[importRequest](w, r)
		if !ok {
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			api.BadRequest(w, "MISSING_TITLE", "title is required", requestID(r), nil)
			return
		}
		if len(req.Items) == 0 {
			api.BadRequest(w, "MISSING_ITEMS", "at least one item is required", requestID(r), nil)
			return
		}
		c, items, err := svc.ImportContainer(r.Context(), req.Title, req.Items)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, containerWithItems{Container: c, Items: items})
	}
}

// ContainerItems returns a container and its items in any state.
func ContainerItems(svc Admin, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := pathID(w, r, "container_id")
		if !ok {
			return
		}
		c, items, err := svc.ContainerItems(r.Context(), cid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, containerWithItems{Container: c, Items: items})
	}
}

// CompletionReport lists users who completed a container.
func CompletionReport(svc Admin, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid, ok := pathID(w, r, "container_id")
		if !ok {
			return
		}
		rep, err := svc.CompletionReport(r.Context(), cid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, rep)
	}
}

type verifyRequest struct {
	Receipt string `json:"receipt"`
}

// VerifyReceipt checks a completion receipt token.
func VerifyReceipt(svc Admin, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJSON[verifyRequest](w, r)
		if !ok {
			return
		}
		if strings.TrimSpace(req.Receipt) == "" {
			api.BadRequest(w, "MISSING_RECEIPT", "receipt is required", requestID(r), nil)
			return
		}
		res, err := svc.VerifyReceipt(r.Context(), req.Receipt)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}
