package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
	"gamepanel/services"
)

// NodeHandler 节点管理。节点令牌生成后立即加密入库，
// 明文只在创建/轮换响应里出现一次
type NodeHandler struct {
	secrets *services.SecretStore
	servers *services.ServerService
}

func NewNodeHandler(secrets *services.SecretStore, servers *services.ServerService) *NodeHandler {
	return &NodeHandler{secrets: secrets, servers: servers}
}

type CreateNodeRequest struct {
	Name                  string `json:"name" binding:"required"`
	LocationID            uint   `json:"location_id" binding:"required"`
	URL                   string `json:"url" binding:"required,url"`
	PublicURL             string `json:"public_url"`
	SFTPHost              string `json:"sftp_host"`
	SFTPPort              int    `json:"sftp_port"`
	Memory                int64  `json:"memory" binding:"required,min=1"`
	Disk                  int64  `json:"disk" binding:"required,min=1"`
	BackupConfigurationID *uint  `json:"backup_configuration_id"`
}

// GetNodes 获取节点列表
func (h *NodeHandler) GetNodes(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("node.read"); err != nil {
		serviceError(c, err)
		return
	}

	var nodes []models.Node
	if err := database.DB.Preload("Location").Find(&nodes).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询节点失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    nodes,
	})
}

// CreateNode 创建节点
func (h *NodeHandler) CreateNode(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("node.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	var location models.Location
	if err := database.DB.First(&location, req.LocationID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "机房不存在",
		})
		return
	}

	tokenID, err := randomHex(8)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "生成令牌失败"})
		return
	}
	token, err := randomHex(32)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "生成令牌失败"})
		return
	}
	encrypted, err := h.secrets.Encrypt(token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "加密令牌失败",
			"error":   err.Error(),
		})
		return
	}

	sftpPort := req.SFTPPort
	if sftpPort == 0 {
		sftpPort = 2022
	}

	node := models.Node{
		Name:                  req.Name,
		LocationID:            req.LocationID,
		TokenID:               tokenID,
		Token:                 encrypted,
		URL:                   req.URL,
		PublicURL:             req.PublicURL,
		SFTPHost:              req.SFTPHost,
		SFTPPort:              sftpPort,
		Memory:                req.Memory,
		Disk:                  req.Disk,
		BackupConfigurationID: req.BackupConfigurationID,
	}
	if err := database.DB.Create(&node).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "创建节点失败",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "节点已创建，令牌只显示这一次",
		"data": gin.H{
			"node":  node,
			"token": tokenID + "." + token,
		},
	})
}

// RotateNodeToken 轮换节点令牌，旧令牌立即失效
func (h *NodeHandler) RotateNodeToken(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("node.update"); err != nil {
		serviceError(c, err)
		return
	}

	node, ok := h.findNode(c)
	if !ok {
		return
	}

	token, err := randomHex(32)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "生成令牌失败"})
		return
	}
	encrypted, err := h.secrets.Encrypt(token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "加密令牌失败",
			"error":   err.Error(),
		})
		return
	}

	if err := database.DB.Model(node).Update("token", encrypted).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "更新令牌失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "令牌已轮换，新令牌只显示这一次",
		"data": gin.H{
			"token": node.TokenID + "." + token,
		},
	})
}

// SyncNodeServers 把节点上所有服务器的配置重新推送到节点
func (h *NodeHandler) SyncNodeServers(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("node.update"); err != nil {
		serviceError(c, err)
		return
	}

	node, ok := h.findNode(c)
	if !ok {
		return
	}

	failed, err := h.servers.SyncNodeServers(c.Request.Context(), node)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "同步完成",
		"data":    gin.H{"failed": failed},
	})
}

// DeleteNode 删除节点。节点上还有服务器时拒绝
func (h *NodeHandler) DeleteNode(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("node.delete"); err != nil {
		serviceError(c, err)
		return
	}

	node, ok := h.findNode(c)
	if !ok {
		return
	}

	var serverCount int64
	if err := database.DB.Model(&models.Server{}).Where("node_id = ?", node.ID).Count(&serverCount).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "查询失败"})
		return
	}
	if serverCount > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": services.ErrNodeHasServers.Error(),
		})
		return
	}

	if err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ?", node.ID).Delete(&models.Allocation{}).Error; err != nil {
			return err
		}
		return tx.Delete(node).Error
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "删除节点失败",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "节点已删除"})
}

type CreateAllocationsRequest struct {
	IP    string `json:"ip" binding:"required"`
	Ports []int  `json:"ports" binding:"required,min=1"`
}

// CreateAllocations 为节点批量登记端口分配
func (h *NodeHandler) CreateAllocations(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("allocation.create"); err != nil {
		serviceError(c, err)
		return
	}

	node, ok := h.findNode(c)
	if !ok {
		return
	}

	var req CreateAllocationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	created := make([]models.Allocation, 0, len(req.Ports))
	for _, port := range req.Ports {
		alloc := models.Allocation{NodeID: node.ID, IP: req.IP, Port: port}
		// 同节点同 IP 同端口只允许一条，冲突的跳过
		if err := database.DB.Create(&alloc).Error; err != nil {
			continue
		}
		created = append(created, alloc)
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "端口分配已创建",
		"data":    created,
	})
}

func (h *NodeHandler) findNode(c *gin.Context) (*models.Node, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的节点 ID"})
		return nil, false
	}

	var node models.Node
	if err := database.DB.First(&node, uint(id)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "节点不存在"})
		return nil, false
	}
	return &node, true
}
