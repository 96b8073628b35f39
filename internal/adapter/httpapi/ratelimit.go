package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter restricts request frequency per client IP.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	rate time.Duration
	now  func() time.Time
}

// NewRateLimiter creates limiter allowing one request per rate.
func NewRateLimiter(rate time.Duration) *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), rate: rate, now: time.Now}
}

// Allow returns false if key hits the limit.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if t, ok := r.last[key]; ok && now.Sub(t) < r.rate {
		return false
	}
	r.last[key] = now
	// drop stale entries
	for k, t := range r.last {
		if now.Sub(t) >= r.rate {
			delete(r.last, k)
		}
	}
	return true
}

// Middleware aborts with 429 when the client hits the limit.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfterSeconds(r.rate))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		c.Next()
	}
}
