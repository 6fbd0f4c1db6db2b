package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
	"gamepanel/services"
)

// ServerHandler 服务器生命周期接口
type ServerHandler struct {
	servers *services.ServerService
}

func NewServerHandler(servers *services.ServerService) *ServerHandler {
	return &ServerHandler{servers: servers}
}

type CreateServerRequest struct {
	Name                  string `json:"name" binding:"required"`
	NodeID                uint   `json:"node_id" binding:"required"`
	OwnerID               uint   `json:"owner_id" binding:"required"`
	EggID                 uint   `json:"egg_id" binding:"required"`
	BackupConfigurationID *uint  `json:"backup_configuration_id"`

	AllocationID            *uint  `json:"allocation_id"`
	AdditionalAllocationIDs []uint `json:"additional_allocation_ids"`

	CPU        int64    `json:"cpu"`
	Memory     int64    `json:"memory" binding:"required,min=1"`
	Swap       int64    `json:"swap"`
	Disk       int64    `json:"disk" binding:"required,min=1"`
	IOWeight   int      `json:"io_weight"`
	PinnedCPUs []string `json:"pinned_cpus"`

	Startup   string          `json:"startup"`
	Variables map[uint]string `json:"variables"`
}

// GetServers 获取调用者可见的服务器列表：管理员看全部，
// 普通用户看属主和子用户身份能触达的
func (h *ServerHandler) GetServers(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "未授权"})
		return
	}

	var servers []models.Server
	query := database.DB.Preload("Node")
	if !user.Admin {
		query = query.Where(
			"owner_id = ? OR id IN (?)",
			user.ID,
			database.DB.Model(&models.Subuser{}).Select("server_id").Where("user_id = ?", user.ID),
		)
	}
	if err := query.Find(&servers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询服务器失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    servers,
	})
}

// GetServer 获取单个服务器
func (h *ServerHandler) GetServer(c *gin.Context) {
	server, _, ok := loadServer(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    server,
	})
}

// CreateServer 创建服务器
func (h *ServerHandler) CreateServer(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("server.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	server, err := h.servers.Create(c.Request.Context(), services.CreateServerInput{
		Name:                    req.Name,
		NodeID:                  req.NodeID,
		OwnerID:                 req.OwnerID,
		EggID:                   req.EggID,
		BackupConfigurationID:   req.BackupConfigurationID,
		AllocationID:            req.AllocationID,
		AdditionalAllocationIDs: req.AdditionalAllocationIDs,
		CPU:                     req.CPU,
		Memory:                  req.Memory,
		Swap:                    req.Swap,
		Disk:                    req.Disk,
		IOWeight:                req.IOWeight,
		PinnedCPUs:              req.PinnedCPUs,
		Startup:                 req.Startup,
		Variables:               req.Variables,
	})
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "服务器已创建，安装进行中",
		"data":    server,
	})
}

// DeleteServer 删除服务器。?force=true 时远端失败只记录不回滚
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("server.delete"); err != nil {
		serviceError(c, err)
		return
	}

	server, _, ok := loadServer(c)
	if !ok {
		return
	}

	force := c.Query("force") == "true"
	if err := h.servers.Delete(c.Request.Context(), server, services.DeleteOptions{Force: force}); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "服务器已删除"})
}

type TransferRequest struct {
	DestinationNodeID       uint  `json:"destination_node_id" binding:"required"`
	DestinationAllocationID *uint `json:"destination_allocation_id"`
}

// InitiateTransfer 发起迁移
func (h *ServerHandler) InitiateTransfer(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("server.transfer"); err != nil {
		serviceError(c, err)
		return
	}

	server, _, ok := loadServer(c)
	if !ok {
		return
	}

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	if err := h.servers.InitiateTransfer(c.Request.Context(), server, req.DestinationNodeID, req.DestinationAllocationID); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "迁移已发起"})
}

// SetSuspended 暂停/恢复服务器，并把状态同步到节点
func (h *ServerHandler) SetSuspended(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("server.suspend"); err != nil {
		serviceError(c, err)
		return
	}

	server, _, ok := loadServer(c)
	if !ok {
		return
	}

	var req struct {
		Suspended bool `json:"suspended"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	if err := h.servers.SetSuspended(c.Request.Context(), server, req.Suspended); err != nil {
		serviceError(c, err)
		return
	}

	message := "服务器已恢复"
	if req.Suspended {
		message = "服务器已暂停"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

// GetWebsocketPermissions 返回调用者在该服务器 websocket 会话里
// 应持有的权限投影
func (h *ServerHandler) GetWebsocketPermissions(c *gin.Context) {
	_, pm, ok := loadServer(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"permissions": pm.WingsPermissions(),
		},
	})
}
