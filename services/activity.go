package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gorm.io/gorm"

	"gamepanel/database"
	"gamepanel/models"
)

// ActivityLogger 审计事件记录器。写入永远是尽力而为：
// 主库失败只记日志，启用 ClickHouse 时异步镜像一份
type ActivityLogger struct {
	db *gorm.DB
}

func NewActivityLogger(db *gorm.DB) *ActivityLogger {
	return &ActivityLogger{db: db}
}

// Log 记录一条审计事件
func (a *ActivityLogger) Log(event string, userID, serverID *uint, ip string, metadata map[string]interface{}) {
	meta := "{}"
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			meta = string(data)
		}
	}

	entry := models.ActivityLog{
		Event:    event,
		UserID:   userID,
		ServerID: serverID,
		Metadata: meta,
		IP:       ip,
	}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("⚠️ 写入审计事件失败 [%s]: %v", event, err)
	}

	if database.CHConn != nil {
		go a.mirrorToClickHouse(event, userID, serverID, ip, meta)
	}
}

func (a *ActivityLogger) mirrorToClickHouse(event string, userID, serverID *uint, ip, metadata string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var uid, sid uint32
	if userID != nil {
		uid = uint32(*userID)
	}
	if serverID != nil {
		sid = uint32(*serverID)
	}

	err := database.CHConn.Exec(ctx,
		"INSERT INTO activity_log (timestamp, event, user_id, server_id, ip, metadata) VALUES (?, ?, ?, ?, ?, ?)",
		time.Now(), event, uid, sid, ip, metadata)
	if err != nil {
		log.Printf("⚠️ 镜像审计事件到 ClickHouse 失败 [%s]: %v", event, err)
	}
}
