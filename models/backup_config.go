package models

import (
	"fmt"
	"time"
)

// 备份后端类型。ServerBackup.Disk 固定为其中之一
const (
	BackupDiskLocal   = "local"
	BackupDiskS3      = "s3"
	BackupDiskDdupBak = "ddup-bak"
	BackupDiskBtrfs   = "btrfs"
	BackupDiskZfs     = "zfs"
	BackupDiskRestic  = "restic"
)

// ValidBackupDisk 是否为已知的备份后端
func ValidBackupDisk(disk string) bool {
	switch disk {
	case BackupDiskLocal, BackupDiskS3, BackupDiskDdupBak,
		BackupDiskBtrfs, BackupDiskZfs, BackupDiskRestic:
		return true
	}
	return false
}

// DefaultS3PartSize S3 分段上传的默认分段大小（字节）
const DefaultS3PartSize int64 = 512 * 1024 * 1024

// BackupConfiguration 一组命名的备份后端凭证，可挂在服务器、节点或
// 区域上；凭证字段加密存储
type BackupConfiguration struct {
	ID   uint   `json:"id" gorm:"primarykey"`
	Name string `json:"name" gorm:"unique;not null"`

	// BackupDisk 该配置生效时使用的后端
	BackupDisk string `json:"backup_disk" gorm:"not null;default:local"`

	// S3 凭证；SecretKey 加密存储
	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"-"`
	S3Region       string `json:"s3_region"`
	S3Bucket       string `json:"s3_bucket"`
	S3Endpoint     string `json:"s3_endpoint"` // 可选，支持MinIO
	S3PathStyle    bool   `json:"s3_path_style" gorm:"default:false"`
	S3PartSize     int64  `json:"s3_part_size" gorm:"default:0"` // 0 表示使用默认值

	// Restic 仓库；密码加密存储
	ResticRepository string `json:"restic_repository"`
	ResticPassword   string `json:"-"`

	// ddup-bak 等其余后端在节点侧持有各自的存储，这里只保留一份
	// 加密的通用凭证串
	Credentials string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate 启用某个后端前检查必填凭证
func (c *BackupConfiguration) Validate() error {
	if !ValidBackupDisk(c.BackupDisk) {
		return fmt.Errorf("未知的备份后端: %s", c.BackupDisk)
	}
	if c.BackupDisk == BackupDiskS3 {
		if c.S3AccessKey == "" {
			return fmt.Errorf("S3 access key 未设置")
		}
		if c.S3SecretKey == "" {
			return fmt.Errorf("S3 secret key 未设置")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3 bucket 未设置")
		}
	}
	if c.BackupDisk == BackupDiskRestic && c.ResticRepository == "" {
		return fmt.Errorf("restic repository 未设置")
	}
	return nil
}

// PartSize S3 分段大小，未配置时回退到默认值
func (c *BackupConfiguration) PartSize() int64 {
	if c.S3PartSize > 0 {
		return c.S3PartSize
	}
	return DefaultS3PartSize
}
