package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
)

type CreateLocationRequest struct {
	Name                  string `json:"name" binding:"required"`
	Description           string `json:"description"`
	BackupConfigurationID *uint  `json:"backup_configuration_id"`
}

// GetLocations 获取机房列表
func GetLocations(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("location.read"); err != nil {
		serviceError(c, err)
		return
	}

	var locations []models.Location
	if err := database.DB.Find(&locations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询机房失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    locations,
	})
}

// CreateLocation 创建机房
func CreateLocation(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("location.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	location := models.Location{
		Name:                  req.Name,
		Description:           req.Description,
		BackupConfigurationID: req.BackupConfigurationID,
	}
	if err := database.DB.Create(&location).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "创建机房失败",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "机房已创建",
		"data":    location,
	})
}

// DeleteLocation 删除机房。下面还挂着节点时拒绝
func DeleteLocation(c *gin.Context) {
	pm := middleware.Permissions(c)
	if err := pm.AdminScope("location.delete"); err != nil {
		serviceError(c, err)
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的机房 ID"})
		return
	}

	var nodeCount int64
	if err := database.DB.Model(&models.Node{}).Where("location_id = ?", uint(id)).Count(&nodeCount).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "查询失败"})
		return
	}
	if nodeCount > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "机房下仍有节点",
		})
		return
	}

	result := database.DB.Delete(&models.Location{}, uint(id))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "删除失败"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "机房不存在"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "机房已删除"})
}
