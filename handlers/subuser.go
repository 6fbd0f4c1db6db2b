package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gamepanel/database"
	"gamepanel/models"
)

type CreateSubuserRequest struct {
	Username     string   `json:"username" binding:"required"`
	Permissions  []string `json:"permissions" binding:"required"`
	IgnoredFiles []string `json:"ignored_files"`
}

// GetSubusers 获取服务器的子用户列表
func GetSubusers(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("subuser.read"); err != nil {
		serviceError(c, err)
		return
	}

	var subusers []models.Subuser
	if err := database.DB.Where("server_id = ?", server.ID).Find(&subusers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "查询子用户失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    subusers,
	})
}

// CreateSubuser 授予其他用户该服务器的部分权限
func CreateSubuser(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("subuser.create"); err != nil {
		serviceError(c, err)
		return
	}

	var req CreateSubuserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "请求参数错误",
			"error":   err.Error(),
		})
		return
	}

	var target models.User
	if err := database.DB.Where("username = ?", req.Username).First(&target).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "用户不存在"})
		return
	}
	if target.ID == server.OwnerID {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "属主不需要子用户身份"})
		return
	}

	subuser := models.Subuser{
		ServerID:     server.ID,
		UserID:       target.ID,
		Permissions:  req.Permissions,
		IgnoredFiles: req.IgnoredFiles,
	}
	if err := database.DB.Create(&subuser).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "创建子用户失败，可能已存在",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "子用户已创建",
		"data":    subuser,
	})
}

// DeleteSubuser 收回子用户权限
func DeleteSubuser(c *gin.Context) {
	server, pm, ok := loadServer(c)
	if !ok {
		return
	}
	if err := pm.ServerScope("subuser.delete"); err != nil {
		serviceError(c, err)
		return
	}

	result := database.DB.Where("server_id = ? AND user_id = ?", server.ID, c.Param("user_id")).Delete(&models.Subuser{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "删除失败"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "子用户不存在"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "子用户已删除"})
}
