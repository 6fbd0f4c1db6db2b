package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
)

// GetDashboardStats 获取仪表板统计信息
func GetDashboardStats(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("dashboard.read"); err != nil {
		serviceError(c, err)
		return
	}

	stats := make(map[string]interface{})

	var nodeCount int64
	database.DB.Model(&models.Node{}).Count(&nodeCount)
	stats["total_nodes"] = nodeCount

	var serverCount int64
	database.DB.Model(&models.Server{}).Count(&serverCount)
	stats["total_servers"] = serverCount

	var suspendedCount int64
	database.DB.Model(&models.Server{}).Where("suspended = ?", true).Count(&suspendedCount)
	stats["suspended_servers"] = suspendedCount

	var installingCount int64
	database.DB.Model(&models.Server{}).Where("status = ?", models.ServerStatusInstalling).Count(&installingCount)
	stats["installing_servers"] = installingCount

	var userCount int64
	database.DB.Model(&models.User{}).Count(&userCount)
	stats["total_users"] = userCount

	var backupCount int64
	database.DB.Model(&models.ServerBackup{}).Count(&backupCount)
	stats["total_backups"] = backupCount

	var backupBytes int64
	database.DB.Model(&models.ServerBackup{}).Where("successful = ?", true).
		Select("COALESCE(SUM(bytes), 0)").Scan(&backupBytes)
	stats["backup_bytes"] = backupBytes

	// 每个节点的容量占用
	var nodeUsage []struct {
		NodeID uint   `json:"node_id"`
		Name   string `json:"name"`
		Memory int64  `json:"memory"`
		Disk   int64  `json:"disk"`
		Used   int64  `json:"used_memory"`
	}
	database.DB.Model(&models.Node{}).
		Select("nodes.id as node_id, nodes.name, nodes.memory, nodes.disk, COALESCE(SUM(servers.memory), 0) as used").
		Joins("LEFT JOIN servers ON servers.node_id = nodes.id AND servers.deleted_at IS NULL").
		Group("nodes.id").
		Scan(&nodeUsage)
	stats["node_usage"] = nodeUsage

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}
