package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter

	perSecond rate.Limit
	burst     int
}

// NewRateLimiter creates a per-client rate limiter.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

func (rl *RateLimiter) limiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Bound the map; a reset just refills everyone's bucket.
	if len(rl.clients) > 10000 {
		rl.clients = make(map[string]*rate.Limiter)
	}
	l, ok := rl.clients[clientID]
	if !ok {
		l = rate.NewLimiter(rl.perSecond, rl.burst)
		rl.clients[clientID] = l
	}
	return l
}

// Limit rejects requests over the per-client budget with 429.
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter(c.ClientIP()).Allow() {
			Abort(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}
