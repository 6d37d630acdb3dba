package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ──────────────────────────────────────────────────────────────────────
// Per-Credential Token Bucket Rate Limiter
//
// Buckets key on the authenticated credential (API key digest or JWT
// subject) so one tenant cannot starve another behind a shared NAT; for
// unauthenticated dev-mode traffic the client IP is the fallback key.
//
// An empty bucket earns HTTP 429 with a Retry-After header. Idle buckets
// are swept periodically to keep memory bounded under churning keys.
// ──────────────────────────────────────────────────────────────────────

const bucketIdleLimit = 10 * time.Minute

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// RateLimiter holds per-credential bucket state.
type RateLimiter struct {
	rate    float64 // tokens added per second
	burst   float64 // bucket capacity
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter allows ratePerMin requests per minute per credential with
// a burst capacity of burst requests.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	if burst <= 0 {
		burst = ratePerMin
	}
	return &RateLimiter{
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
	}
}

func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.burst, lastSeen: time.Now()}
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastSeen).Seconds()
	bucket.tokens += elapsed * rl.rate
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}

	retryAfter := time.Duration((1.0-bucket.tokens)/rl.rate*1000) * time.Millisecond
	return false, retryAfter
}

// Middleware enforces the limit. Retry-After carries whole seconds, as the
// header requires; the body keeps the precise duration.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("rate_key")
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		allowed, retryAfter := rl.allow(key)
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limited",
				"retryAfter": retryAfter.String(),
			})
			return
		}
		c.Next()
	}
}

// Run sweeps idle buckets until the context ends.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(bucketIdleLimit)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := rl.sweep(bucketIdleLimit); dropped > 0 {
				logrus.Debugf("[RateLimit] Swept %d idle bucket(s)", dropped)
			}
		}
	}
}

func (rl *RateLimiter) sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	dropped := 0
	rl.mu.Lock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		stale := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(rl.buckets, key)
			dropped++
		}
	}
	rl.mu.Unlock()
	return dropped
}
