package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/models"
	"gamepanel/services"
)

// BackupHandler 服务器备份接口
type BackupHandler struct {
	backups *services.BackupService
}

func NewBackupHandler(backups *services.BackupService) *BackupHandler {
	return &BackupHandler{backups: backups}
}

type CreateBackupRequest struct {
	Name         string   `json:"name"`
	IgnoredFiles []string `json:"ignored_files"`
}

// GetBackups 获取服务器的备份列表
func (h *BackupHandler) GetBackups(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("backup.read"); err != nil {
		serviceError(c, err)
		return
	}

	var backups []models.ServerBackup
	if err := database.DB.Where("server_id = ?", server.ID).Order("created_at desc").Find(&backups).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询备份失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    backups,
	})
}

// CreateBackup 创建备份，打包在节点上异步进行
func (h *BackupHandler) CreateBackup(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("backup.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	backup, err := h.backups.Create(c.Request.Context(), server, req.Name, req.IgnoredFiles)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "备份任务已下发",
		"data":    backup,
	})
}

// RestoreBackup 从备份恢复服务器
func (h *BackupHandler) RestoreBackup(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("backup.restore"); err != nil {
		serviceError(c, err)
		return
	}

	backup, ok := h.findBackup(c, server)
	if !ok {
		return
	}

	var req struct {
		TruncateDirectory bool `json:"truncate_directory"`
	}
	// 请求体可以为空
	_ = c.ShouldBindJSON(&req)

	if err := h.backups.Restore(c.Request.Context(), server, backup, req.TruncateDirectory); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "恢复任务已下发"})
}

// DeleteBackup 删除备份。?force=true 时远端失败只记录不回滚
func (h *BackupHandler) DeleteBackup(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("backup.delete"); err != nil {
		serviceError(c, err)
		return
	}

	backup, ok := h.findBackup(c, server)
	if !ok {
		return
	}

	force := c.Query("force") == "true"
	if err := h.backups.Delete(c.Request.Context(), backup, services.DeleteOptions{Force: force}); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "备份已删除"})
}

// ToggleBackupLock 切换备份的锁定状态，锁定的备份不会被删除或淘汰
func (h *BackupHandler) ToggleBackupLock(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("backup.update"); err != nil {
		serviceError(c, err)
		return
	}

	backup, ok := h.findBackup(c, server)
	if !ok {
		return
	}

	if err := database.DB.Model(backup).Update("locked", !backup.Locked).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "更新失败"})
		return
	}

	message := "备份已解锁"
	if !backup.Locked {
		message = "备份已锁定"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

func (h *BackupHandler) findBackup(c *gin.Context, server *models.Server) (*models.ServerBackup, bool) {
	var backup models.ServerBackup
	if err := database.DB.Where("uuid = ? AND server_id = ?", c.Param("backup"), server.ID).First(&backup).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "备份不存在"})
		return nil, false
	}
	return &backup, true
}
