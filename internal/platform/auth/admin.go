package auth

import (
	"net/http"

	"github.com/example/slideconfirm/internal/platform/api"
)

// RequireAdmin allows request only if RequireUser already injected role=admin into context.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			api.Forbidden(w, "FORBIDDEN", "administrator role required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
