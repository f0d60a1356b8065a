package api

import (
	"crypto/subtle"
	"net/http"

	platformapi "github.com/Egor-Alpy/ktru-classify-relay/internal/platform/api"
)

// AuthMiddleware rejects requests whose X-API-Key header does not match
// key, comparing in constant time so the check cannot be used to probe the
// secret byte-by-byte via response timing.
func AuthMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-API-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				platformapi.WriteUnauthorized(w, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
