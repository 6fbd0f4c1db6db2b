package database

import (
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gamepanel/config"
	"gamepanel/models"
)

var DB *gorm.DB

// InitDB 初始化数据库
func InitDB() {
	var err error

	// 使用配置中的数据库路径，而不是硬编码
	dbPath := config.GetConfig().DBPath

	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := Migrate(DB); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	log.Printf("Database initialized successfully at: %s", dbPath)
}

// Migrate 迁移全部表结构，测试里也用它初始化内存库
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.ApiKey{},
		&models.Subuser{},
		&models.Location{},
		&models.Node{},
		&models.Egg{},
		&models.EggVariable{},
		&models.Server{},
		&models.Allocation{},
		&models.ServerVariable{},
		&models.BackupConfiguration{},
		&models.ServerBackup{},
		&models.DatabaseHost{},
		&models.ServerDatabase{},
		&models.ActivityLog{},
	)
}
