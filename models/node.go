package models

import (
	"time"

	"gorm.io/gorm"
)

// Location 节点所在的机房/区域，可以挂一个备份配置作为该区域的默认值
type Location struct {
	ID                    uint                 `json:"id" gorm:"primarykey"`
	Name                  string               `json:"name" gorm:"unique;not null"`
	Description           string               `json:"description"`
	BackupConfigurationID *uint                `json:"backup_configuration_id"`
	BackupConfiguration   *BackupConfiguration `json:"backup_configuration,omitempty" gorm:"foreignKey:BackupConfigurationID"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

// Node 远端执行节点（wings agent）。面板通过 HTTP 指挥它，
// 共享密钥加密存储，只在发请求前临时解密
type Node struct {
	ID         uint   `json:"id" gorm:"primarykey"`
	Name       string `json:"name" gorm:"not null"`
	LocationID uint   `json:"location_id" gorm:"not null;index"`

	// TokenID 是明文标识，Token 是加密后的共享密钥
	TokenID string `json:"token_id" gorm:"unique;not null"`
	Token   string `json:"-" gorm:"not null"`

	URL       string `json:"url" gorm:"not null"`
	PublicURL string `json:"public_url"`
	SFTPHost  string `json:"sftp_host"`
	SFTPPort  int    `json:"sftp_port" gorm:"default:2022"`

	// 容量，单位 MiB
	Memory int64 `json:"memory" gorm:"not null"`
	Disk   int64 `json:"disk" gorm:"not null"`

	BackupConfigurationID *uint                `json:"backup_configuration_id"`
	BackupConfiguration   *BackupConfiguration `json:"backup_configuration,omitempty" gorm:"foreignKey:BackupConfigurationID"`

	Location  Location       `json:"location,omitempty" gorm:"foreignKey:LocationID"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
