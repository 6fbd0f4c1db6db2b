package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
	"gamepanel/services"
)

// RemoteHandler 节点回调接口，所有路由都挂在节点令牌认证后面
type RemoteHandler struct {
	backups *services.BackupService
	servers *services.ServerService
}

func NewRemoteHandler(backups *services.BackupService, servers *services.ServerService) *RemoteHandler {
	return &RemoteHandler{backups: backups, servers: servers}
}

// GetBackupParts 节点按归档大小申请分段上传地址。
// 返回预签名 PUT 地址列表和统一的分段大小
func (h *RemoteHandler) GetBackupParts(c *gin.Context) {
	backup, ok := h.findBackup(c)
	if !ok {
		return
	}

	var query struct {
		Size int64 `form:"size" binding:"required,min=1"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	urls, partSize, err := h.backups.IssueMultipartURLs(c.Request.Context(), backup, query.Size)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"parts":     urls,
			"part_size": partSize,
		},
	})
}

type ReportBackupRequest struct {
	Successful   bool              `json:"successful"`
	Checksum     string            `json:"checksum"`
	ChecksumType string            `json:"checksum_type"`
	Size         int64             `json:"size"`
	Parts        []services.S3Part `json:"parts"`
}

// ReportBackup 节点上报备份结果，成功与失败走同一个入口
func (h *RemoteHandler) ReportBackup(c *gin.Context) {
	backup, ok := h.findBackup(c)
	if !ok {
		return
	}

	if backup.IsCompleted() {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "备份已经是终态",
		})
		return
	}

	var req ReportBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	if err := h.backups.Complete(c.Request.Context(), backup, req.Successful, req.Checksum, req.ChecksumType, req.Size, req.Parts); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "备份状态已更新"})
}

// ReportRestore 节点上报恢复结果，服务器状态回到正常
func (h *RemoteHandler) ReportRestore(c *gin.Context) {
	backup, ok := h.findBackup(c)
	if !ok {
		return
	}

	var req struct {
		Successful bool `json:"successful"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	if err := h.backups.CompleteRestore(c.Request.Context(), backup, req.Successful); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "恢复状态已更新"})
}

// ReportInstall 节点上报安装结果
func (h *RemoteHandler) ReportInstall(c *gin.Context) {
	server, ok := h.findServer(c)
	if !ok {
		return
	}

	var req struct {
		Successful bool `json:"successful"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	var status interface{}
	if req.Successful {
		status = nil
	} else {
		status = models.ServerStatusInstallFailed
	}
	if err := database.DB.Model(server).Update("status", status).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "更新状态失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "安装状态已更新"})
}

// ReportTransferSuccess 目标节点上报迁移完成，服务器切换到新节点
func (h *RemoteHandler) ReportTransferSuccess(c *gin.Context) {
	server, ok := h.findServer(c)
	if !ok {
		return
	}

	if err := h.servers.CompleteTransfer(c.Request.Context(), server); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "迁移已完成"})
}

// ReportTransferFailure 迁移失败，清掉目标信息回到原节点
func (h *RemoteHandler) ReportTransferFailure(c *gin.Context) {
	server, ok := h.findServer(c)
	if !ok {
		return
	}

	if err := h.servers.FailTransfer(c.Request.Context(), server); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "迁移已标记失败"})
}

// findBackup 按 UUID 找备份，并确认它挂在发起请求的节点上
func (h *RemoteHandler) findBackup(c *gin.Context) (*models.ServerBackup, bool) {
	node := middleware.CurrentNode(c)
	if node == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "未认证"})
		return nil, false
	}

	var backup models.ServerBackup
	if err := database.DB.Where("uuid = ?", c.Param("backup")).First(&backup).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "备份不存在"})
		return nil, false
	}

	if backup.ServerID == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "备份不存在"})
		return nil, false
	}
	var server models.Server
	if err := database.DB.First(&server, *backup.ServerID).Error; err != nil || server.NodeID != node.ID {
		// 属于其他节点的备份对当前节点不可见
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "备份不存在"})
		return nil, false
	}

	return &backup, true
}

// findServer 按 UUID 找服务器，迁移中的服务器目标节点也可以操作它
func (h *RemoteHandler) findServer(c *gin.Context) (*models.Server, bool) {
	node := middleware.CurrentNode(c)
	if node == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "未认证"})
		return nil, false
	}

	var server models.Server
	if err := database.DB.Where("uuid = ?", c.Param("server")).First(&server).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "服务器不存在"})
		return nil, false
	}

	if server.NodeID != node.ID && (server.DestinationNodeID == nil || *server.DestinationNodeID != node.ID) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "服务器不存在"})
		return nil, false
	}

	return &server, true
}
