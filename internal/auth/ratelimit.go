package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/cache"
)

// Rate limiting defaults: a fixed one-minute window per partner and
// endpoint class, so heavy wallet traffic cannot starve alert reads.
const (
	DefaultRateLimit  = 100
	rateLimitWindow   = time.Minute
	rateLimitKeySpace = "ratelimit"
)

// RateLimiter enforces per-partner request budgets on the shared cache.
// A cache outage fails open: throttling is protection, not a correctness
// guarantee, and blocking all partners on a cache blip would be worse.
type RateLimiter struct {
	cache cache.Cache
	limit int64
	log   *zap.Logger
	now   func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per partner per
// minute. limit <= 0 uses the default.
func NewRateLimiter(c cache.Cache, limit int64, log *zap.Logger) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &RateLimiter{cache: c, limit: limit, log: log, now: time.Now}
}

// Allow reports whether the partner has budget left in the current window
// for the given endpoint class.
func (rl *RateLimiter) Allow(ctx context.Context, partnerID uuid.UUID, class string) bool {
	window := rl.now().Unix() / int64(rateLimitWindow.Seconds())
	key := fmt.Sprintf("%s:%s:%s:%d", rateLimitKeySpace, partnerID, class, window)

	count, err := rl.cache.Increment(ctx, key, rateLimitWindow)
	if err != nil {
		rl.log.Warn("rate limiter cache unavailable, failing open",
			zap.String("partner_id", partnerID.String()),
			zap.Error(err))
		return true
	}
	return count <= rl.limit
}
