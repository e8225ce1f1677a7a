package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kpath-enterprise/kpath/pkg/common/cache"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// RequestCounter counts request-log rows; the rate limiter's source of
// truth when the cache counter is unavailable.
type RequestCounter interface {
	CountRequestsSince(ctx context.Context, keyID int64, since time.Time) (int64, error)
}

// RateLimiter enforces the per-key hourly budget. The cache counter is
// the fast path; the request log is authoritative when the cache is
// down.
type RateLimiter struct {
	counter cache.Cache
	logs    RequestCounter
	logger  observability.Logger
	now     func() time.Time
}

// NewRateLimiter creates a limiter over the cache and request log.
func NewRateLimiter(counter cache.Cache, logs RequestCounter, logger observability.Logger) *RateLimiter {
	if logger == nil {
		logger = observability.NewLogger("ratelimit")
	}
	return &RateLimiter{counter: counter, logs: logs, logger: logger, now: time.Now}
}

// Middleware counts the request against the principal's clock-hour
// bucket and rejects with 429 once the budget is spent.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if p.RateLimit <= 0 {
			c.Next()
			return
		}

		used, err := rl.usage(c.Request.Context(), p)
		if err != nil {
			// Rather than refuse service on a broken counter, let the
			// request through and log it.
			rl.logger.Warn("Rate limit counters unavailable", map[string]interface{}{
				"error": err.Error(),
			})
			c.Next()
			return
		}

		limit := int64(p.RateLimit)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		if used > limit {
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate limit exceeded",
				"limit":     limit,
				"remaining": 0,
			})
			return
		}
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limit-used))
		c.Next()
	}
}

// usage returns the number of requests, this one included, charged to
// the principal's current clock-hour bucket.
func (rl *RateLimiter) usage(ctx context.Context, p *Principal) (int64, error) {
	bucket := rl.bucketKey(p)
	if rl.counter != nil {
		n, err := rl.counter.Increment(ctx, bucket, time.Hour)
		if err == nil {
			return n, nil
		}
		rl.logger.Debug("Cache counter failed, falling back to request log", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if rl.logs == nil {
		return 0, fmt.Errorf("no rate limit source available")
	}
	n, err := rl.logs.CountRequestsSince(ctx, p.KeyID, rl.now().Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	// The log row for this request is written after the handler runs.
	return n + 1, nil
}

func (rl *RateLimiter) bucketKey(p *Principal) string {
	subject := p.KeyID
	if subject == 0 {
		subject = p.UserID
	}
	return fmt.Sprintf("ratelimit:%d:%s", subject, rl.now().UTC().Format("2006010215"))
}
