package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TooManyAttemptsMessage is the body of a throttled login response.
const TooManyAttemptsMessage = "Too many login attempts. Please wait a minute and try again."

// Throttle keeps one token bucket per client. Idle buckets expire from the cache.
type Throttle struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewThrottle allows perMinute attempts with the given burst. perMinute <= 0
// disables throttling.
func NewThrottle(perMinute, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &Throttle{
		limiters: cache.New(10*time.Minute, 10*time.Minute),
		limit:    limit,
		burst:    burst,
	}
}

// Allow consumes one attempt for key.
func (t *Throttle) Allow(key string) bool {
	if t.limit == rate.Inf {
		return true
	}

	t.mu.Lock()
	var limiter *rate.Limiter
	if v, found := t.limiters.Get(key); found {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(t.limit, t.burst)
	}
	t.limiters.SetDefault(key, limiter)
	t.mu.Unlock()

	return limiter.Allow()
}

// Middleware throttles POSTs by client IP.
func (t *Throttle) Middleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		if !t.Allow(c.ClientIP()) {
			logger.Warn("login throttled", zap.String("client_ip", c.ClientIP()))
			c.String(http.StatusTooManyRequests, TooManyAttemptsMessage)
			c.Abort()
			return
		}
		c.Next()
	}
}
