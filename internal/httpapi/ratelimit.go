package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"openfms/netcore/internal/logger"
)

// Scripter is the part of a redis client the limiter uses.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Fixed window counter: returns {allowed, remaining}.
const fixedWindowScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or 0)
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, 0}
end
redis.call('INCR', KEYS[1])
if current == 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {1, limit - current - 1}
`

// RateLimiter caps requests per key within fixed windows shared by every
// gateway using the same redis.
type RateLimiter struct {
	client Scripter
	Limit  int
	Window time.Duration
	// KeyFunc picks the bucket for a request. Defaults to the client IP.
	KeyFunc func(*gin.Context) string

	now func() time.Time
}

// LimitResult is the outcome of one Allow call.
type LimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   int64
}

// NewRateLimiter allows limit requests per window.
func NewRateLimiter(client Scripter, limit int, window time.Duration) *RateLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &RateLimiter{client: client, Limit: limit, Window: window, now: time.Now}
}

// Allow counts one request against key.
func (l *RateLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	secs := int64(l.Window / time.Second)
	window := l.now().Unix() / secs
	redisKey := fmt.Sprintf("fms:ratelimit:%s:%d", key, window)

	v, err := l.client.Eval(ctx, fixedWindowScript, []string{redisKey}, l.Limit, secs+1).Slice()
	if err != nil {
		return LimitResult{}, err
	}
	if len(v) != 2 {
		return LimitResult{}, fmt.Errorf("ratelimit: unexpected reply %v", v)
	}
	allowed, _ := v[0].(int64)
	remaining, _ := v[1].(int64)
	return LimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   (window + 1) * secs,
	}, nil
}

// Middleware rejects requests over the limit with 429. Redis failures let
// the request through.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if l.KeyFunc != nil {
			key = l.KeyFunc(c)
		}
		res, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Scope("http").WithError(err).Warn("Rate limiter unavailable")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(l.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))
		if !res.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": res.ResetAt - l.now().Unix(),
			})
			return
		}
		c.Next()
	}
}
