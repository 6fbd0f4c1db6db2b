package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"gamepanel/models"
)

// DeleteOptions 传给删除监听器的上下文
type DeleteOptions struct {
	Force bool
}

// 删除监听器：实体行被移除前，在持有事务内同步调用；
// 返回错误则整个删除回滚，不产生任何局部效果。
// 监听器只允许在进程启动阶段注册（main.go 里完成），
// 避免运行时注册顺序带来的不确定性
type (
	ServerDeleteListener   func(ctx context.Context, tx *gorm.DB, server *models.Server, opts DeleteOptions) error
	BackupDeleteListener   func(ctx context.Context, tx *gorm.DB, backup *models.ServerBackup, opts DeleteOptions) error
	DatabaseDeleteListener func(ctx context.Context, tx *gorm.DB, database *models.ServerDatabase, opts DeleteOptions) error
)

// DeleteListenerRegistry 按实体类型分组的监听器注册表
type DeleteListenerRegistry struct {
	server   []ServerDeleteListener
	backup   []BackupDeleteListener
	database []DatabaseDeleteListener
}

func NewDeleteListenerRegistry() *DeleteListenerRegistry {
	return &DeleteListenerRegistry{}
}

func (r *DeleteListenerRegistry) OnServerDelete(l ServerDeleteListener) {
	r.server = append(r.server, l)
}

func (r *DeleteListenerRegistry) OnBackupDelete(l BackupDeleteListener) {
	r.backup = append(r.backup, l)
}

func (r *DeleteListenerRegistry) OnDatabaseDelete(l DatabaseDeleteListener) {
	r.database = append(r.database, l)
}

func (r *DeleteListenerRegistry) runServerListeners(ctx context.Context, tx *gorm.DB, server *models.Server, opts DeleteOptions) error {
	for _, l := range r.server {
		if err := l(ctx, tx, server, opts); err != nil {
			return fmt.Errorf("服务器删除被监听器中止: %w", err)
		}
	}
	return nil
}

func (r *DeleteListenerRegistry) runBackupListeners(ctx context.Context, tx *gorm.DB, backup *models.ServerBackup, opts DeleteOptions) error {
	for _, l := range r.backup {
		if err := l(ctx, tx, backup, opts); err != nil {
			return fmt.Errorf("备份删除被监听器中止: %w", err)
		}
	}
	return nil
}

func (r *DeleteListenerRegistry) runDatabaseListeners(ctx context.Context, tx *gorm.DB, database *models.ServerDatabase, opts DeleteOptions) error {
	for _, l := range r.database {
		if err := l(ctx, tx, database, opts); err != nil {
			return fmt.Errorf("数据库删除被监听器中止: %w", err)
		}
	}
	return nil
}
