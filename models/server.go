package models

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 服务器状态标签，为空表示正常运行
const (
	ServerStatusInstalling      = "installing"
	ServerStatusInstallFailed   = "install_failed"
	ServerStatusRestoringBackup = "restoring_backup"
	ServerStatusTransferring    = "transferring"
)

// Server 一台游戏服务器实例，面板侧的权威记录
type Server struct {
	ID   uint   `json:"id" gorm:"primarykey"`
	UUID string `json:"uuid" gorm:"unique;not null"`
	// UUIDShort 取 UUID 前 32 位，只作为人类友好的二级查找键，
	// 不保证唯一；按短 ID 查找时最近创建的记录优先
	UUIDShort uint32 `json:"uuid_short" gorm:"index;not null"`

	Name    string `json:"name" gorm:"not null"`
	NodeID  uint   `json:"node_id" gorm:"not null;index"`
	OwnerID uint   `json:"owner_id" gorm:"not null;index"`
	EggID   uint   `json:"egg_id" gorm:"not null"`

	BackupConfigurationID *uint                `json:"backup_configuration_id"`
	BackupConfiguration   *BackupConfiguration `json:"backup_configuration,omitempty" gorm:"foreignKey:BackupConfigurationID"`

	// 资源限制
	CPU        int64      `json:"cpu"`    // 百分比，100 = 一个核
	Memory     int64      `json:"memory"` // MiB
	Swap       int64      `json:"swap"`   // MiB
	Disk       int64      `json:"disk"`   // MiB
	IOWeight   int        `json:"io_weight" gorm:"default:500"`
	PinnedCPUs StringList `json:"pinned_cpus" gorm:"type:text"`

	// 主网络分配；迁移期间记录目标节点/分配
	AllocationID            *uint `json:"allocation_id"`
	DestinationNodeID       *uint `json:"destination_node_id"`
	DestinationAllocationID *uint `json:"destination_allocation_id"`

	Startup   string  `json:"startup"`
	Status    *string `json:"status"`
	Suspended bool    `json:"suspended" gorm:"default:false"`

	Node       Node       `json:"node,omitempty" gorm:"foreignKey:NodeID"`
	Owner      User       `json:"owner,omitempty" gorm:"foreignKey:OwnerID"`
	Egg        Egg        `json:"egg,omitempty" gorm:"foreignKey:EggID"`
	Allocation *Allocation `json:"allocation,omitempty" gorm:"foreignKey:AllocationID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// ShortID 从完整 UUID 推导短 ID（前 32 位）
func ShortID(full string) uint32 {
	u, err := uuid.Parse(full)
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(u[0:4])
}

// Allocation 节点上的一个网络绑定（ip:port），可被一台服务器占用
type Allocation struct {
	ID       uint    `json:"id" gorm:"primarykey"`
	NodeID   uint    `json:"node_id" gorm:"not null;index;uniqueIndex:idx_allocation_binding"`
	IP       string  `json:"ip" gorm:"not null;uniqueIndex:idx_allocation_binding"`
	Port     int     `json:"port" gorm:"not null;uniqueIndex:idx_allocation_binding"`
	Alias    string  `json:"alias"`
	ServerID *uint   `json:"server_id" gorm:"index"`
	Notes    string  `json:"notes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Egg 服务器模板：启动命令、镜像和一组可绑定的变量
type Egg struct {
	ID          uint          `json:"id" gorm:"primarykey"`
	Name        string        `json:"name" gorm:"not null"`
	Description string        `json:"description"`
	DockerImage string        `json:"docker_image" gorm:"not null"`
	Startup     string        `json:"startup" gorm:"not null"`
	Variables   []EggVariable `json:"variables,omitempty" gorm:"foreignKey:EggID"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type EggVariable struct {
	ID           uint   `json:"id" gorm:"primarykey"`
	EggID        uint   `json:"egg_id" gorm:"not null;index"`
	Name         string `json:"name" gorm:"not null"`
	EnvVariable  string `json:"env_variable" gorm:"not null"`
	DefaultValue string `json:"default_value"`
	Rules        string `json:"rules"`
}

// ServerVariable 服务器对模板变量的取值
type ServerVariable struct {
	ID            uint   `json:"id" gorm:"primarykey"`
	ServerID      uint   `json:"server_id" gorm:"not null;index;uniqueIndex:idx_server_variable"`
	EggVariableID uint   `json:"egg_variable_id" gorm:"not null;uniqueIndex:idx_server_variable"`
	Value         string `json:"value"`
}
