package dispatcher

import (
	"net/http"

	"github.com/sentinelcode/sentinel/internal/ratelimit"
)

// WithMiddleware wraps handler with the ambient concerns a real ingress
// gateway would normally own: permissive CORS for browser-based clients and
// a per-IP rate limit so a standalone deployment isn't defenseless. limiter
// may be nil to disable rate limiting.
func WithMiddleware(handler http.Handler, limiter *ratelimit.Limiter) http.Handler {
	wrapped := withCORS(handler)
	if limiter != nil {
		wrapped = limiter.Middleware(wrapped)
	}
	return wrapped
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
