package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/example/slideconfirm/internal/platform/api"
)

// RateLimit limits requests per key over a sliding window.
// keyFunc extracts the limiter key; nil keys by client IP.
func RateLimit(limit int, window time.Duration, keyFunc httprate.KeyFunc) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			api.RateLimited(w, "RATE_LIMITED", "too many requests", RequestIDFromContext(r.Context()), nil)
		}),
	)
}
