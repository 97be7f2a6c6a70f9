package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/slideconfirm/internal/platform/api"
	"github.com/example/slideconfirm/internal/platform/attest"
	"github.com/example/slideconfirm/services/gating/internal/gating"
)

// ListSlides returns the container's items with per-user viewability.
func ListSlides(svc Viewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		cid, ok := optionalContainerID(w, r)
		if !ok {
			return
		}
		l, err := svc.ListWithViewability(r.Context(), uid, cid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, l)
	}
}

type markResponse struct {
	Status string `json:"status"`
	gating.MarkResult
}

// MarkViewed records a view; earlier unviewed items yield 409 OUT_OF_ORDER.
func MarkViewed(svc Viewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		itemID, ok := pathID(w, r, "item_id")
		if !ok {
			return
		}
		res, err := svc.MarkViewed(r.Context(), uid, itemID)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, markResponse{Status: "ok", MarkResult: res})
	}
}

type completeResponse struct {
	Status      string     `json:"status"`
	ContainerID int64      `json:"container_id"`
	New         bool       `json:"new,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Missing     []int64    `json:"missing,omitempty"`
	Receipt     string     `json:"receipt,omitempty"`
}

// Complete returns "completed" (with an optional signed receipt) or "pending"
// with the sorted ids of unviewed items.
func Complete(svc Viewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		cid, ok := optionalContainerID(w, r)
		if !ok {
			return
		}
		res, err := svc.Complete(r.Context(), uid, cid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		resp := completeResponse{ContainerID: res.ContainerID}
		if !res.Completed {
			resp.Status = "pending"
			resp.Missing = res.Missing
		} else {
			resp.Status = "completed"
			resp.New = res.New
			resp.CompletedAt = res.CompletedAt
			if res.Receipt != nil {
				resp.Receipt = attest.Encode(*res.Receipt)
			}
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

// GetProgress returns viewed/total counts for the container.
func GetProgress(svc Viewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		cid, ok := optionalContainerID(w, r)
		if !ok {
			return
		}
		p, err := svc.Progress(r.Context(), uid, cid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

// ListContainers lists published containers with the caller's status.
func ListContainers(svc Viewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		list, err := svc.ListContainers(r.Context(), uid)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}

// ResetProgress clears the caller's views and completion for a container.
func ResetProgress(svc Viewer, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		cid, ok := pathID(w, r, "container_id")
		if !ok {
			return
		}
		if err := svc.ResetProgress(r.Context(), uid, cid); err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "container_id": cid})
	}
}
