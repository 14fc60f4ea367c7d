package trade

import (
	"net/http"
	"strings"
)

// CallerHeader carries the chat user ID of the caller. The chat layer sets
// it after authenticating the update.
const CallerHeader = "X-User-ID"

// AdminOnly returns middleware that lets through only callers whose ID is in
// adminIDs. With no admins configured every request is refused.
func AdminOnly(adminIDs []string) func(http.Handler) http.Handler {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := strings.TrimSpace(r.Header.Get(CallerHeader))
			if caller == "" {
				writeError(w, "missing "+CallerHeader+" header", http.StatusUnauthorized)
				return
			}
			if _, ok := admins[caller]; !ok {
				writeError(w, "admin access required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
