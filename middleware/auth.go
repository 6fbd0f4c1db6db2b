package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"gamepanel/config"
	"gamepanel/database"
	"gamepanel/models"
	"gamepanel/services"
)

// AuthMiddleware 面板认证。Bearer 令牌要么是登录签发的 JWT（不带
// API 密钥限制），要么是 "{token_id}.{secret}" 形式的 API 密钥。
// 认证通过后把用户和按本次请求构建的权限视图放进上下文
func AuthMiddleware() gin.HandlerFunc {
	jwtSecret := []byte(config.GetConfig().JWTSecret)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "未提供认证令牌",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "认证令牌格式错误",
			})
			c.Abort()
			return
		}
		tokenString := parts[1]

		// 先按 JWT 解析，失败再按 API 密钥处理
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return jwtSecret, nil
		})
		if err == nil && token.Valid {
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				abortUnauthorized(c)
				return
			}
			userID, ok := claims["user_id"].(float64)
			if !ok {
				abortUnauthorized(c)
				return
			}

			var user models.User
			if err := database.DB.Preload("Role").First(&user, uint(userID)).Error; err != nil || !user.IsActive {
				abortUnauthorized(c)
				return
			}

			c.Set("user", &user)
			c.Set("permissions", services.NewPermissionManager(&user))
			c.Next()
			return
		}

		authenticateApiKey(c, tokenString)
	}
}

// authenticateApiKey 校验 "{token_id}.{secret}" 并叠加密钥的权限限制
func authenticateApiKey(c *gin.Context, tokenString string) {
	tokenID, secret, found := strings.Cut(tokenString, ".")
	if !found {
		abortUnauthorized(c)
		return
	}

	var key models.ApiKey
	if err := database.DB.Where("token_id = ?", tokenID).First(&key).Error; err != nil {
		abortUnauthorized(c)
		return
	}

	hash := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(hash[:])), []byte(key.Token)) != 1 {
		abortUnauthorized(c)
		return
	}

	var user models.User
	if err := database.DB.Preload("Role").First(&user, key.UserID).Error; err != nil || !user.IsActive {
		abortUnauthorized(c)
		return
	}

	now := time.Now()
	database.DB.Model(&key).Update("last_used_at", &now)

	c.Set("user", &user)
	c.Set("permissions", services.NewPermissionManager(&user).WithApiKey(&key))
	c.Next()
}

func abortUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": "认证令牌无效或已过期",
	})
	c.Abort()
}

// AdminRequired 管理员权限中间件
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.Admin {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "需要管理员权限",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUser 取当前认证用户
func CurrentUser(c *gin.Context) *models.User {
	v, exists := c.Get("user")
	if !exists {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

// Permissions 取当前请求的权限视图
func Permissions(c *gin.Context) *services.PermissionManager {
	v, exists := c.Get("permissions")
	if !exists {
		return nil
	}
	pm, _ := v.(*services.PermissionManager)
	return pm
}
