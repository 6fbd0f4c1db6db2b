package main

import (
	"context"
	"errors"
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gamepanel/config"
	"gamepanel/database"
	"gamepanel/handlers"
	"gamepanel/middleware"
	"gamepanel/models"
	"gamepanel/services"
)

func main() {
	// 初始化数据库
	database.InitDB()
	database.InitClickHouse()
	defer database.CloseClickHouse()

	// 静态加密密钥，节点令牌/数据库密码/备份凭证都靠它
	secrets, err := services.NewSecretStore(config.GetConfig().AppKey)
	if err != nil {
		log.Fatalf("❌ 初始化密钥失败: %v", err)
	}

	// 删除监听在进程启动时注册一次，之后只读
	listeners := services.NewDeleteListenerRegistry()
	listeners.OnBackupDelete(func(ctx context.Context, tx *gorm.DB, backup *models.ServerBackup, opts services.DeleteOptions) error {
		if backup.Locked && !opts.Force {
			return errors.New("备份已锁定,先解锁再删除")
		}
		return nil
	})

	activity := services.NewActivityLogger(database.DB)
	databaseService := services.NewDatabaseService(database.DB, secrets, listeners, activity, nil)
	backupService := services.NewBackupService(database.DB, secrets, listeners, activity, nil)
	serverService := services.NewServerService(database.DB, secrets, listeners, activity, databaseService, nil)

	// 初始化处理器
	nodeHandler := handlers.NewNodeHandler(secrets, serverService)
	serverHandler := handlers.NewServerHandler(serverService)
	backupHandler := handlers.NewBackupHandler(backupService)
	backupConfigHandler := handlers.NewBackupConfigHandler(secrets)
	databaseHandler := handlers.NewDatabaseHandler(databaseService, secrets)
	remoteHandler := handlers.NewRemoteHandler(backupService, serverService)

	// 创建 Gin 路由
	r := gin.Default()
	r.Use(middleware.Logger())

	// CORS 配置
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true, // 允许所有来源（仅开发环境）
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * 3600,
	}))

	// 公开路由
	public := r.Group("/api")
	public.Use(middleware.RateLimit(30))
	{
		public.POST("/login", handlers.Login)
		public.POST("/register", handlers.Register)
	}

	// 需要认证的路由
	protected := r.Group("/api")
	protected.Use(middleware.AuthMiddleware())
	{
		// 当前用户与 API 密钥
		protected.GET("/me", handlers.GetCurrentUser)
		protected.POST("/api-keys", handlers.CreateApiKey)
		protected.DELETE("/api-keys/:token_id", handlers.DeleteApiKey)

		// 统计信息
		protected.GET("/dashboard/stats", handlers.GetDashboardStats)

		// 机房管理
		protected.GET("/locations", handlers.GetLocations)
		protected.POST("/locations", handlers.CreateLocation)
		protected.DELETE("/locations/:id", handlers.DeleteLocation)

		// 节点管理
		protected.GET("/nodes", nodeHandler.GetNodes)
		protected.POST("/nodes", nodeHandler.CreateNode)
		protected.POST("/nodes/:id/rotate-token", nodeHandler.RotateNodeToken)
		protected.POST("/nodes/:id/sync", nodeHandler.SyncNodeServers)
		protected.DELETE("/nodes/:id", nodeHandler.DeleteNode)
		protected.POST("/nodes/:id/allocations", nodeHandler.CreateAllocations)

		// 备份配置管理
		protected.GET("/backup-configurations", backupConfigHandler.GetBackupConfigs)
		protected.POST("/backup-configurations", backupConfigHandler.CreateBackupConfig)
		protected.DELETE("/backup-configurations/:id", backupConfigHandler.DeleteBackupConfig)

		// 数据库主机管理
		protected.GET("/database-hosts", databaseHandler.GetDatabaseHosts)
		protected.POST("/database-hosts", databaseHandler.CreateDatabaseHost)

		// 服务器生命周期
		protected.GET("/servers", serverHandler.GetServers)
		protected.POST("/servers", serverHandler.CreateServer)
		protected.GET("/servers/:server", serverHandler.GetServer)
		protected.DELETE("/servers/:server", serverHandler.DeleteServer)
		protected.POST("/servers/:server/transfer", serverHandler.InitiateTransfer)
		protected.POST("/servers/:server/suspend", serverHandler.SetSuspended)
		protected.GET("/servers/:server/websocket-permissions", serverHandler.GetWebsocketPermissions)

		// 服务器备份
		protected.GET("/servers/:server/backups", backupHandler.GetBackups)
		protected.POST("/servers/:server/backups", backupHandler.CreateBackup)
		protected.POST("/servers/:server/backups/:backup/restore", backupHandler.RestoreBackup)
		protected.POST("/servers/:server/backups/:backup/lock", backupHandler.ToggleBackupLock)
		protected.DELETE("/servers/:server/backups/:backup", backupHandler.DeleteBackup)

		// 服务器数据库
		protected.GET("/servers/:server/databases", databaseHandler.GetDatabases)
		protected.POST("/servers/:server/databases", databaseHandler.CreateDatabase)
		protected.POST("/servers/:server/databases/:id/rotate-password", databaseHandler.RotateDatabasePassword)
		protected.DELETE("/servers/:server/databases/:id", databaseHandler.DeleteDatabase)

		// 子用户
		protected.GET("/servers/:server/subusers", handlers.GetSubusers)
		protected.POST("/servers/:server/subusers", handlers.CreateSubuser)
		protected.DELETE("/servers/:server/subusers/:user_id", handlers.DeleteSubuser)

		// 操作记录
		protected.GET("/servers/:server/activity", handlers.GetServerActivity)
	}

	// 节点回调路由，节点令牌认证
	remote := r.Group("/api/remote")
	remote.Use(middleware.NodeAuthMiddleware(secrets))
	{
		remote.GET("/backups/:backup", remoteHandler.GetBackupParts)
		remote.POST("/backups/:backup", remoteHandler.ReportBackup)
		remote.POST("/backups/:backup/restore", remoteHandler.ReportRestore)
		remote.POST("/servers/:server/install", remoteHandler.ReportInstall)
		remote.POST("/servers/:server/transfer/success", remoteHandler.ReportTransferSuccess)
		remote.POST("/servers/:server/transfer/failure", remoteHandler.ReportTransferFailure)
	}

	// 启动服务器
	port := config.GetConfig().ServerPort
	log.Printf("Server starting on port %s", port)
	if err := r.Run("0.0.0.0:" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
