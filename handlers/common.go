package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gamepanel/database"
	"gamepanel/middleware"
	"gamepanel/models"
	"gamepanel/services"
)

// serviceError 把服务层错误翻译成 HTTP 响应
func serviceError(c *gin.Context, err error) {
	var permErr *services.PermissionError
	switch {
	case errors.As(err, &permErr):
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"message": "权限不足",
			"error":   permErr.Permission,
		})
	case errors.Is(err, services.ErrNoBackupConfiguration):
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"success": false,
			"message": "没有可用的备份配置",
		})
	case errors.Is(err, services.ErrDatabaseInUse):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "数据库正在被使用，无法删除",
		})
	case errors.Is(err, services.ErrUnsafeDatabaseIdentifier),
		errors.Is(err, services.ErrTransferInvalid),
		errors.Is(err, services.ErrBackupNotS3):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": err.Error(),
		})
	case errors.Is(err, services.ErrBackupAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": err.Error(),
		})
	case errors.Is(err, services.ErrAllocationTaken):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "网络分配已被占用",
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "记录不存在",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "操作失败",
			"error":   err.Error(),
		})
	}
}

// loadServer 按路径参数里的 UUID 取服务器，并检查调用者与它的关系：
// 管理员和属主直接放行；子用户放行的同时把子用户权限列表叠进本次
// 请求的权限视图；其他人一律 404
func loadServer(c *gin.Context) (*models.Server, *services.PermissionManager, bool) {
	var server models.Server
	if err := database.DB.Where("uuid = ?", c.Param("server")).First(&server).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "服务器不存在",
		})
		return nil, nil, false
	}

	user := middleware.CurrentUser(c)
	pm := middleware.Permissions(c)
	if user == nil || pm == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "未认证",
		})
		return nil, nil, false
	}

	if user.Admin || user.ID == server.OwnerID {
		return &server, pm, true
	}

	var sub models.Subuser
	if err := database.DB.Where("server_id = ? AND user_id = ?", server.ID, user.ID).First(&sub).Error; err != nil {
		// 与服务器无关的用户看不到它的存在
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "服务器不存在",
		})
		return nil, nil, false
	}

	return &server, pm.WithSubuser(&sub), true
}
