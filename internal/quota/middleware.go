package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
)

// IdentityFromContext extracts the caller identity from the request context.
// This function type allows decoupling from the auth package.
type IdentityFromContext func(ctx context.Context) (identity string, ok bool)

// RateLimitMiddleware returns middleware that enforces per-identity rate limits.
func RateLimitMiddleware(limiter *RateLimiter, getIdentity IdentityFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := getIdentity(r.Context())
			if !ok {
				// No identity (public route) - let it pass
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(identity) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(identity)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
