package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Maquiado/queue-bot/pkg/logger"
	"github.com/Maquiado/queue-bot/pkg/ratelimit"
	"github.com/gin-gonic/gin"
)

// IPKeyFunc 클라이언트 IP 기반 키
func IPKeyFunc(c *gin.Context) string {
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// RateLimit 쓰기 엔드포인트용 Rate Limit 미들웨어
// 리미터 오류 시에는 요청을 허용한다 (fail-open)
func RateLimit(limiter ratelimit.Limiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = IPKeyFunc
	}

	return func(c *gin.Context) {
		key := keyFunc(c)

		allowed, info, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("Rate limit check failed", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(info.ResetTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"code":  "rate_limited",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
