package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/models"
	"gamepanel/services"
)

// NodeAuthMiddleware 节点回调认证。节点带 "Bearer {token_id}.{token}"，
// 面板按 token_id 找到节点行、临时解密共享密钥做常量时间比较
func NodeAuthMiddleware(secrets *services.SecretStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			abortNodeUnauthorized(c)
			return
		}

		tokenID, token, found := strings.Cut(parts[1], ".")
		if !found {
			abortNodeUnauthorized(c)
			return
		}

		var node models.Node
		if err := database.DB.Where("token_id = ?", tokenID).First(&node).Error; err != nil {
			abortNodeUnauthorized(c)
			return
		}

		stored, err := secrets.Decrypt(node.Token)
		if err != nil {
			abortNodeUnauthorized(c)
			return
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
			abortNodeUnauthorized(c)
			return
		}

		c.Set("node", &node)
		c.Next()
	}
}

func abortNodeUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": "节点认证失败",
	})
	c.Abort()
}

// CurrentNode 取当前回调的节点
func CurrentNode(c *gin.Context) *models.Node {
	v, exists := c.Get("node")
	if !exists {
		return nil
	}
	node, _ := v.(*models.Node)
	return node
}
