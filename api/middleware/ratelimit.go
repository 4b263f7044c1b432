package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/models"
)

// RateLimit enforces a per-client token bucket keyed by client IP.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	getLimiter := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
			limiters[key] = l
		}
		return l
	}

	return func(c *gin.Context) {
		if !getLimiter(c.ClientIP()).Allow() {
			err := models.NewSearchError(models.ErrCodeRateLimited, "rate limit exceeded", nil)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.ToDetail()})
			return
		}
		c.Next()
	}
}
