package models

import (
	"time"

	"gorm.io/gorm"
)

// ServerBackup 一次服务器备份。Disk 在创建时由解析出的备份配置决定，
// 此后不再变化；删除只打 DeletedAt 墓碑，行永不物理删除
type ServerBackup struct {
	ID       uint   `json:"id" gorm:"primarykey"`
	UUID     string `json:"uuid" gorm:"unique;not null"`
	ServerID *uint  `json:"server_id" gorm:"index"` // 服务器删除后置空
	NodeID   uint   `json:"node_id" gorm:"not null;index"`

	BackupConfigurationID *uint                `json:"backup_configuration_id"`
	BackupConfiguration   *BackupConfiguration `json:"backup_configuration,omitempty" gorm:"foreignKey:BackupConfigurationID"`

	Name         string     `json:"name" gorm:"not null"`
	Disk         string     `json:"disk" gorm:"not null"` // 创建后不可变
	IgnoredFiles StringList `json:"ignored_files" gorm:"type:text"`

	Successful bool   `json:"successful" gorm:"default:false"`
	Locked     bool   `json:"locked" gorm:"default:false"`
	Browsable  bool   `json:"browsable" gorm:"default:false"`
	Streaming  bool   `json:"streaming" gorm:"default:false"`
	Checksum   string `json:"checksum"`
	Bytes      int64  `json:"bytes" gorm:"default:0"`
	Files      int64  `json:"files" gorm:"default:0"`

	// S3 分段上传的簿记
	UploadID   string `json:"-"`
	UploadPath string `json:"-"`

	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// IsCompleted 备份是否已进入终态
func (b *ServerBackup) IsCompleted() bool {
	return b.CompletedAt != nil
}

// S3ObjectKey 备份在 S3 中的对象键；UploadPath 覆盖默认布局
func (b *ServerBackup) S3ObjectKey(serverUUID string) string {
	if b.UploadPath != "" {
		return b.UploadPath
	}
	return serverUUID + "/" + b.UUID + ".tar.gz"
}
