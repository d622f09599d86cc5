package auth

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// BearerMiddleware guards operational endpoints (metrics, stream) with a
// static bearer token. An empty token disables the check.
func BearerMiddleware(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !hmac.Equal([]byte(strings.TrimSpace(presented)), []byte(token)) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
