package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"gamepanel/models"
)

// ErrNoBackupConfiguration 覆盖链上没有任何备份配置
var ErrNoBackupConfiguration = errors.New("没有可用的备份配置")

// ResolveBackupConfiguration 解析服务器生效的备份配置：
// 服务器覆盖 → 节点覆盖 → 区域覆盖 → 失败。
// 解析结果不回写，服务器上永远只存覆盖引用
func ResolveBackupConfiguration(db *gorm.DB, server *models.Server) (*models.BackupConfiguration, error) {
	if server.BackupConfigurationID != nil {
		return loadBackupConfiguration(db, *server.BackupConfigurationID)
	}

	var node models.Node
	if err := db.First(&node, server.NodeID).Error; err != nil {
		return nil, fmt.Errorf("查询节点失败: %w", err)
	}
	if node.BackupConfigurationID != nil {
		return loadBackupConfiguration(db, *node.BackupConfigurationID)
	}

	var location models.Location
	if err := db.First(&location, node.LocationID).Error; err != nil {
		return nil, fmt.Errorf("查询区域失败: %w", err)
	}
	if location.BackupConfigurationID != nil {
		return loadBackupConfiguration(db, *location.BackupConfigurationID)
	}

	return nil, ErrNoBackupConfiguration
}

func loadBackupConfiguration(db *gorm.DB, id uint) (*models.BackupConfiguration, error) {
	var cfg models.BackupConfiguration
	if err := db.First(&cfg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoBackupConfiguration
		}
		return nil, fmt.Errorf("查询备份配置失败: %w", err)
	}
	return &cfg, nil
}
