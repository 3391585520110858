package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// idleAfter is how long a client bucket survives without traffic.
const idleAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller. Authenticated callers are keyed
// by their API key slot so that clients behind one NAT do not share a budget;
// anonymous callers are keyed by IP.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       rate.Limit
	burst     int
	logger    *zap.Logger
	now       func() time.Time
	lastSweep time.Time
}

func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   max(burst, 1),
		logger:  logger,
		now:     time.Now,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > idleAfter {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > idleAfter {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Middleware rejects over-budget requests with a 429 problem and a Retry-After
// hint for when the next token becomes available.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(CallerKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		lim := rl.limiter(key)

		r := lim.Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			wait := int(math.Ceil(delay.Seconds()))
			rl.logger.Warn("Rate limit exceeded",
				zap.String("caller", key),
				zap.String("path", c.Request.URL.Path),
				zap.Int("retry_after", wait),
			)
			c.Header("Retry-After", strconv.Itoa(wait))
			abortProblem(c, api.RateLimitError("rate limit exceeded", api.WithExtension("retry_after", wait)))
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
