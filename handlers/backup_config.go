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

// BackupConfigHandler 备份配置管理，凭证字段加密入库
type BackupConfigHandler struct {
	secrets *services.SecretStore
}

func NewBackupConfigHandler(secrets *services.SecretStore) *BackupConfigHandler {
	return &BackupConfigHandler{secrets: secrets}
}

type CreateBackupConfigRequest struct {
	Name       string `json:"name" binding:"required"`
	BackupDisk string `json:"backup_disk" binding:"required"`

	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`
	S3Region    string `json:"s3_region"`
	S3Bucket    string `json:"s3_bucket"`
	S3Endpoint  string `json:"s3_endpoint"`
	S3PathStyle bool   `json:"s3_path_style"`
	S3PartSize  int64  `json:"s3_part_size"`

	ResticRepository string `json:"restic_repository"`
	ResticPassword   string `json:"restic_password"`

	Credentials string `json:"credentials"`
}

// GetBackupConfigs 获取备份配置列表
func (h *BackupConfigHandler) GetBackupConfigs(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("backup-configuration.read"); err != nil {
		serviceError(c, err)
		return
	}

	var configs []models.BackupConfiguration
	if err := database.DB.Find(&configs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询备份配置失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    configs,
	})
}

// CreateBackupConfig 创建备份配置。先用明文凭证做校验，
// 校验通过后再加密入库
func (h *BackupConfigHandler) CreateBackupConfig(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("backup-configuration.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateBackupConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	config := models.BackupConfiguration{
		Name:             req.Name,
		BackupDisk:       req.BackupDisk,
		S3AccessKey:      req.S3AccessKey,
		S3SecretKey:      req.S3SecretKey,
		S3Region:         req.S3Region,
		S3Bucket:         req.S3Bucket,
		S3Endpoint:       req.S3Endpoint,
		S3PathStyle:      req.S3PathStyle,
		S3PartSize:       req.S3PartSize,
		ResticRepository: req.ResticRepository,
		ResticPassword:   req.ResticPassword,
		Credentials:      req.Credentials,
	}
	if err := config.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	if err := h.encryptSecrets(&config); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "加密凭据失败",
			"error":   err.Error(),
		})
		return
	}

	if err := database.DB.Create(&config).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "创建备份配置失败",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "备份配置已创建",
		"data":    config,
	})
}

// DeleteBackupConfig 删除备份配置。仍被服务器、节点或机房引用时拒绝
func (h *BackupConfigHandler) DeleteBackupConfig(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("backup-configuration.delete"); err != nil {
		serviceError(c, err)
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的配置 ID"})
		return
	}

	var refs int64
	database.DB.Model(&models.Server{}).Where("backup_configuration_id = ?", uint(id)).Count(&refs)
	if refs == 0 {
		database.DB.Model(&models.Node{}).Where("backup_configuration_id = ?", uint(id)).Count(&refs)
	}
	if refs == 0 {
		database.DB.Model(&models.Location{}).Where("backup_configuration_id = ?", uint(id)).Count(&refs)
	}
	if refs > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "备份配置仍在使用中",
		})
		return
	}

	result := database.DB.Delete(&models.BackupConfiguration{}, uint(id))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "删除失败"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "备份配置不存在"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "备份配置已删除"})
}

func (h *BackupConfigHandler) encryptSecrets(config *models.BackupConfiguration) error {
	var err error
	if config.S3SecretKey != "" {
		if config.S3SecretKey, err = h.secrets.Encrypt(config.S3SecretKey); err != nil {
			return err
		}
	}
	if config.ResticPassword != "" {
		if config.ResticPassword, err = h.secrets.Encrypt(config.ResticPassword); err != nil {
			return err
		}
	}
	if config.Credentials != "" {
		if config.Credentials, err = h.secrets.Encrypt(config.Credentials); err != nil {
			return err
		}
	}
	return nil
}
