package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/mediavault/internal/validation"
	"github.com/rs/zerolog/log"
)

// RateLimitMiddleware draws one token from the given bucket class per
// request, keyed by client IP. Denied requests get a 429 with a Retry-After
// hint.
func RateLimitMiddleware(limiter *validation.RateLimiter, class validation.BucketClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := limiter.Allow(class, c.ClientIP())
		if !allowed {
			log.Warn().
				Str("client_ip", c.ClientIP()).
				Str("bucket", string(class)).
				Str("path", c.Request.URL.Path).
				Msg("request rate limited")
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  "rate_limited",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
