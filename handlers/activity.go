package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/models"
)

// GetServerActivity 获取服务器的操作记录，倒序分页
func GetServerActivity(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("activity.read"); err != nil {
		serviceError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	var logs []models.ActivityLog
	if err := database.DB.Where("server_id = ?", server.ID).
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询操作记录失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    logs,
	})
}
