package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StringList 以 JSON 数组形式存储的字符串列表（权限列表、忽略文件列表等）
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Contains 列表中是否包含指定权限
func (l StringList) Contains(permission string) bool {
	for _, p := range l {
		if p == permission {
			return true
		}
	}
	return false
}

type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	Username  string         `json:"username" gorm:"unique;not null"`
	Password  string         `json:"-" gorm:"not null"` // 哈希后的密码
	Email     string         `json:"email" gorm:"unique"`
	Admin     bool           `json:"admin" gorm:"default:false"`
	RoleID    *uint          `json:"role_id"`
	Role      *Role          `json:"role,omitempty" gorm:"foreignKey:RoleID"`
	// 不能带 default 标签：gorm 在 Create 时会忽略带默认值的零值字段，
	// false 会被悄悄写成 true。默认激活由注册逻辑显式赋值
	IsActive  bool           `json:"is_active"`
	LastLogin time.Time      `json:"last_login"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Role 非管理员用户的权限集合，admin/server 两个维度分别限制
// 后台操作和服务器操作
type Role struct {
	ID                uint       `json:"id" gorm:"primarykey"`
	Name              string     `json:"name" gorm:"unique;not null"`
	AdminPermissions  StringList `json:"admin_permissions" gorm:"type:text"`
	ServerPermissions StringList `json:"server_permissions" gorm:"type:text"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ApiKey 用户签发的 API 密钥，三个权限列表分别收窄账号、后台、
// 服务器三个维度的访问范围
type ApiKey struct {
	ID                uint       `json:"id" gorm:"primarykey"`
	UserID            uint       `json:"user_id" gorm:"not null;index"`
	TokenID           string     `json:"token_id" gorm:"unique;not null"`
	Token             string     `json:"-" gorm:"not null"` // 哈希后的密钥
	Memo              string     `json:"memo"`
	UserPermissions   StringList `json:"user_permissions" gorm:"type:text"`
	AdminPermissions  StringList `json:"admin_permissions" gorm:"type:text"`
	ServerPermissions StringList `json:"server_permissions" gorm:"type:text"`
	LastUsedAt        *time.Time `json:"last_used_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Subuser 被授予单个服务器部分权限的非属主用户
type Subuser struct {
	ID           uint       `json:"id" gorm:"primarykey"`
	ServerID     uint       `json:"server_id" gorm:"not null;index;uniqueIndex:idx_subuser_server_user"`
	UserID       uint       `json:"user_id" gorm:"not null;index;uniqueIndex:idx_subuser_server_user"`
	Permissions  StringList `json:"permissions" gorm:"type:text"`
	IgnoredFiles StringList `json:"ignored_files" gorm:"type:text"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
