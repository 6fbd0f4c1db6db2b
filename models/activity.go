package models

import "time"

// ActivityLog 操作审计事件，尽力而为写入，失败只记日志
type ActivityLog struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	Event     string    `json:"event" gorm:"not null;index"`
	UserID    *uint     `json:"user_id" gorm:"index"`
	ServerID  *uint     `json:"server_id" gorm:"index"`
	Metadata  string    `json:"metadata" gorm:"type:text"` // JSON
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at"`
}
