package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/slideconfirm/internal/platform/api"
	"github.com/example/slideconfirm/internal/platform/auth"
	"github.com/example/slideconfirm/internal/platform/httpserver"
)

const maxBody = 1 << 20

var errBadID = errors.New("invalid id")

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}

// pathID reads a positive integer URL param, writing 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := parseID(chi.URLParam(r, name))
	if err != nil {
		api.BadRequest(w, "INVALID_ID", name+" must be a positive integer", requestID(r), nil)
		return 0, false
	}
	return id, true
}

// optionalContainerID reads ?container_id=; absent means "use the active container".
func optionalContainerID(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("container_id"))
	if raw == "" {
		return nil, true
	}
	id, err := parseID(raw)
	if err != nil {
		api.BadRequest(w, "INVALID_CONTAINER_ID", "container_id must be a positive integer", requestID(r), nil)
		return nil, false
	}
	return &id, true
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&v); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Invalid JSON", requestID(r), nil)
		return v, false
	}
	return v, true
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok || uid == "" {
		api.Unauthorized(w, "UNAUTHORIZED", "Missing user", requestID(r))
		return "", false
	}
	return uid, true
}

func requestID(r *http.Request) string {
	return httpserver.RequestIDFromContext(r.Context())
}
