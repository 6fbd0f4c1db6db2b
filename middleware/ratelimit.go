package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// 按来源 IP 限流，挂在登录/注册这类未认证入口上
type rateBucket struct {
	ticker   *time.Ticker
	lastSeen time.Time
}

var (
	rateBuckets   = make(map[string]*rateBucket)
	rateBucketsMu sync.Mutex
)

// RateLimit 限制单个 IP 每分钟的请求数
func RateLimit(requestsPerMinute int) gin.HandlerFunc {
	go reapRateBuckets()

	return func(c *gin.Context) {
		ip := c.ClientIP()
		rateBucketsMu.Lock()

		b, exists := rateBuckets[ip]
		if !exists {
			rateBuckets[ip] = &rateBucket{
				ticker:   time.NewTicker(time.Minute / time.Duration(requestsPerMinute)),
				lastSeen: time.Now(),
			}
			rateBucketsMu.Unlock()
			c.Next()
			return
		}

		b.lastSeen = time.Now()
		rateBucketsMu.Unlock()

		select {
		case <-b.ticker.C:
			c.Next()
		default:
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "请求过于频繁，请稍后再试",
			})
			c.Abort()
		}
	}
}

func reapRateBuckets() {
	for {
		time.Sleep(time.Minute)
		rateBucketsMu.Lock()
		for ip, b := range rateBuckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				b.ticker.Stop()
				delete(rateBuckets, ip)
			}
		}
		rateBucketsMu.Unlock()
	}
}
