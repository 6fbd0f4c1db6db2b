package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger 面板请求日志。已登录请求附带用户名，方便对照活动流水
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		actor := "-"
		if user := CurrentUser(c); user != nil {
			actor = user.Username
		}

		log.Printf("[%s] %s %s %d %s %v",
			c.Request.Method,
			c.ClientIP(),
			c.Request.URL.Path,
			c.Writer.Status(),
			actor,
			time.Since(start),
		)
	}
}
