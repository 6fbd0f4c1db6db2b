package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
	"gamepanel/services"
)

// DatabaseHandler 租户数据库与数据库主机接口
type DatabaseHandler struct {
	databases *services.DatabaseService
	secrets   *services.SecretStore
}

func NewDatabaseHandler(databases *services.DatabaseService, secrets *services.SecretStore) *DatabaseHandler {
	return &DatabaseHandler{databases: databases, secrets: secrets}
}

type CreateDatabaseHostRequest struct {
	Name     string `json:"name" binding:"required"`
	Engine   string `json:"engine" binding:"required,oneof=mysql postgres"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required,min=1,max=65535"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	NodeID   *uint  `json:"node_id"`
}

// CreateDatabaseHost 登记数据库主机，管理员凭据加密入库
func (h *DatabaseHandler) CreateDatabaseHost(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("database-host.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateDatabaseHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	encrypted, err := h.secrets.Encrypt(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "加密凭据失败",
			"error":   err.Error(),
		})
		return
	}

	host := models.DatabaseHost{
		Name:     req.Name,
		Engine:   req.Engine,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: encrypted,
		NodeID:   req.NodeID,
	}
	if err := database.DB.Create(&host).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "创建数据库主机失败",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "数据库主机已创建",
		"data":    host,
	})
}

// GetDatabaseHosts 获取数据库主机列表
func (h *DatabaseHandler) GetDatabaseHosts(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("database-host.read"); err != nil {
		serviceError(c, err)
		return
	}

	var hosts []models.DatabaseHost
	if err := database.DB.Find(&hosts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询数据库主机失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    hosts,
	})
}

type CreateDatabaseRequest struct {
	DatabaseHostID uint   `json:"database_host_id" binding:"required"`
	Name           string `json:"name" binding:"required,max=48"`
}

// GetDatabases 获取服务器的数据库列表
func (h *DatabaseHandler) GetDatabases(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("database.read"); err != nil {
		serviceError(c, err)
		return
	}

	var databases []models.ServerDatabase
	if err := database.DB.Where("server_id = ?", server.ID).Find(&databases).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询数据库失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    databases,
	})
}

// CreateDatabase 为服务器开通数据库，明文密码只在本次响应里出现一次
func (h *DatabaseHandler) CreateDatabase(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("database.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateDatabaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	var host models.DatabaseHost
	if err := database.DB.First(&host, req.DatabaseHostID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "数据库主机不存在"})
		return
	}

	sdb, password, err := h.databases.Create(c.Request.Context(), server, &host, req.Name)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "数据库已创建，密码只显示这一次",
		"data": gin.H{
			"database": sdb,
			"password": password,
		},
	})
}

// RotateDatabasePassword 轮换数据库密码，明文只在本次响应里出现一次
func (h *DatabaseHandler) RotateDatabasePassword(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("database.update"); err != nil {
		serviceError(c, err)
		return
	}

	sdb, ok := h.findDatabase(c, server)
	if !ok {
		return
	}

	password, err := h.databases.RotatePassword(c.Request.Context(), sdb)
	if err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "密码已轮换，新密码只显示这一次",
		"data": gin.H{
			"password": password,
		},
	})
}

// DeleteDatabase 删除数据库。?force=true 时远端失败只记录不回滚
func (h *DatabaseHandler) DeleteDatabase(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("database.delete"); err != nil {
		serviceError(c, err)
		return
	}

	sdb, ok := h.findDatabase(c, server)
	if !ok {
		return
	}

	force := c.Query("force") == "true"
	if err := h.databases.Delete(c.Request.Context(), sdb, services.DeleteOptions{Force: force}); err != nil {
		serviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "数据库已删除"})
}

func (h *DatabaseHandler) findDatabase(c *gin.Context, server *models.Server) (*models.ServerDatabase, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的数据库 ID"})
		return nil, false
	}

	var sdb models.ServerDatabase
	if err := database.DB.Where("id = ? AND server_id = ?", uint(id), server.ID).First(&sdb).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "数据库不存在"})
		return nil, false
	}
	return &sdb, true
}
