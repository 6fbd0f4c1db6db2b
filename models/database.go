package models

import (
	"strings"
	"time"
)

// 共享数据库主机支持的引擎
const (
	DatabaseEngineMySQL    = "mysql"
	DatabaseEnginePostgres = "postgres"
)

// DatabaseHost 托管租户数据库的共享 MySQL/Postgres 主机，
// 面板用这里的凭证直接在主机上执行 DDL
type DatabaseHost struct {
	ID       uint   `json:"id" gorm:"primarykey"`
	Name     string `json:"name" gorm:"unique;not null"`
	Engine   string `json:"engine" gorm:"not null;default:mysql"`
	Host     string `json:"host" gorm:"not null"`
	Port     int    `json:"port" gorm:"not null"`
	Username string `json:"username" gorm:"not null"`
	Password string `json:"-" gorm:"not null"` // 加密存储
	// 可选：只允许某个节点上的服务器使用该主机
	NodeID *uint `json:"node_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerDatabase 租户数据库的簿记行；真正的 schema 和用户
// 建在 DatabaseHost 上
type ServerDatabase struct {
	ID             uint   `json:"id" gorm:"primarykey"`
	ServerID       uint   `json:"server_id" gorm:"not null;index"`
	DatabaseHostID uint   `json:"database_host_id" gorm:"not null;index"`
	Name           string `json:"name" gorm:"not null;uniqueIndex:idx_database_host_name"`
	Username       string `json:"username" gorm:"not null"`
	Password       string `json:"-" gorm:"not null"` // 加密存储
	Locked         bool   `json:"locked" gorm:"default:false"`

	DatabaseHost DatabaseHost `json:"database_host,omitempty" gorm:"foreignKey:DatabaseHostID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasUnsafeIdentifier 名称或用户名中是否含有会破坏 DDL 拼接的引号字符。
// 含有这些字符的行拒绝参与任何 DDL
func (d *ServerDatabase) HasUnsafeIdentifier() bool {
	return ContainsQuoteCharacter(d.Name) || ContainsQuoteCharacter(d.Username)
}

// ContainsQuoteCharacter 是否包含 " ' 或反引号
func ContainsQuoteCharacter(s string) bool {
	return strings.ContainsAny(s, "\"'`")
}
