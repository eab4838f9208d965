package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/woprhq/provisioner/internal/database"
	apierrors "github.com/woprhq/provisioner/internal/pkg/errors"
	"github.com/woprhq/provisioner/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	// Scope distinguishes counters for different endpoint groups so a
	// burst of webhook deliveries cannot exhaust the provision budget.
	Scope string
}

// RateLimit returns a rate limiting middleware backed by Redis. When
// Redis is not configured the middleware is a pass-through; webhook
// endpoints remain protected by signature verification.
func RateLimit(redis *database.Redis, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if redis == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%s", cfg.Scope, getRealIP(r))

			ctx := r.Context()
			windowDuration := time.Minute

			// Increment counter and get current value
			count, err := redis.IncrWithExpire(ctx, key, windowDuration)
			if err != nil {
				// On Redis error, allow the request rather than block traffic
				next.ServeHTTP(w, r)
				return
			}

			limit := cfg.RequestsPerMinute
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}

			resetTime := time.Now().Add(windowDuration).Unix()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))

			if int(count) > limit {
				w.Header().Set("Retry-After", strconv.Itoa(60))
				response.Error(w, apierrors.ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getRealIP extracts the real client IP, considering proxies.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}

	return r.RemoteAddr
}
