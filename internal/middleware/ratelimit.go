package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"
)

// Limiter is a fixed-window counter, redis-backed in production.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// RateLimit caps requests per caller per window. Authenticated callers are
// keyed by user id, anonymous ones by remote address. The limiter failing
// open is deliberate: a cache outage must not take the API down with it.
func RateLimit(limiter Limiter, name string, limit int64, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:" + name + ":"
			if userID, ok := UserIDFromContext(r.Context()); ok {
				key += userID
			} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key += host
			} else {
				key += r.RemoteAddr
			}
			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				log.Printf("ratelimit: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
