package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"gamepanel/models"
)

var (
	// ErrBackupNotS3 只有 S3 后端的备份才有分段上传流程
	ErrBackupNotS3 = errors.New("该备份不使用 S3 后端")
	// ErrNoEvictableBackup 没有可淘汰的备份
	ErrNoEvictableBackup = errors.New("没有可淘汰的备份")
	// ErrBackupAlreadyCompleted 终态只能进入一次
	ErrBackupAlreadyCompleted = errors.New("备份已经是终态")
)

// NodeCommander 服务层面对节点客户端的最小接口，测试里可替换
type NodeCommander interface {
	CreateServer(ctx context.Context, req *NodeCreateServerRequest) error
	DeleteServer(ctx context.Context, serverUUID string) error
	SyncServer(ctx context.Context, serverUUID string) error
	CreateBackup(ctx context.Context, serverUUID, adapter, backupUUID string, ignoredFiles []string) error
	DeleteBackup(ctx context.Context, backupUUID, adapter string) error
	RestoreBackup(ctx context.Context, serverUUID, backupUUID string, req *NodeRestoreRequest) error
}

// NodeClientFactory 按节点构建客户端
type NodeClientFactory func(node *models.Node) NodeCommander

// BackupService 备份编排：创建、S3 分段上传收尾、恢复、删除、淘汰
type BackupService struct {
	db        *gorm.DB
	secrets   *SecretStore
	listeners *DeleteListenerRegistry
	activity  *ActivityLogger
	nodes     NodeClientFactory

	// S3 侧操作以函数形式持有，测试里可替换
	s3Start    func(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string, size int64) (string, []string, error)
	s3Complete func(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key, uploadID string, parts []S3Part) error
	s3Abort    func(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key, uploadID string) error
	s3Presign  func(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string) (string, error)
	s3Delete   func(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string) error
	s3New      func(ctx context.Context, cfg *models.BackupConfiguration, secrets *SecretStore) (*s3.Client, error)
}

// NewBackupService 创建备份服务
func NewBackupService(db *gorm.DB, secrets *SecretStore, listeners *DeleteListenerRegistry, activity *ActivityLogger, nodes NodeClientFactory) *BackupService {
	if nodes == nil {
		nodes = func(node *models.Node) NodeCommander {
			return NewNodeClient(node, secrets)
		}
	}
	return &BackupService{
		db:        db,
		secrets:   secrets,
		listeners: listeners,
		activity:  activity,
		nodes:     nodes,

		s3Start:    startMultipartUpload,
		s3Complete: completeMultipartUpload,
		s3Abort:    abortMultipartUpload,
		s3Presign:  presignDownload,
		s3Delete:   deleteObject,
		s3New:      newS3Client,
	}
}

// Create 为服务器创建备份。先解析配置，没有配置直接失败、不落行；
// 行插入后 Disk 固定为配置的后端，此后不再变化。节点调用异步进行，
// 失败只把行标记为失败终态——数据拷贝的重试归节点管
func (s *BackupService) Create(ctx context.Context, server *models.Server, name string, ignoredFiles []string) (*models.ServerBackup, error) {
	cfg, err := ResolveBackupConfiguration(s.db, server)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = fmt.Sprintf("Backup at %s", time.Now().Format("2006-01-02 15:04:05"))
	}

	backup := &models.ServerBackup{
		UUID:                  uuid.New().String(),
		ServerID:              &server.ID,
		NodeID:                server.NodeID,
		BackupConfigurationID: &cfg.ID,
		Name:                  name,
		Disk:                  cfg.BackupDisk,
		IgnoredFiles:          ignoredFiles,
		Bytes:                 0,
	}
	if err := s.db.Create(backup).Error; err != nil {
		return nil, fmt.Errorf("创建备份记录失败: %w", err)
	}

	serverUUID := server.UUID
	nodeID := server.NodeID
	go func() {
		// 与请求生命周期脱钩的后台任务
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var node models.Node
		if err := s.db.First(&node, nodeID).Error; err != nil {
			log.Printf("❌ 查询备份节点失败 [%s]: %v", backup.UUID, err)
			s.markFailed(backup.ID)
			return
		}

		if err := s.nodes(&node).CreateBackup(ctx, serverUUID, backup.Disk, backup.UUID, backup.IgnoredFiles); err != nil {
			log.Printf("❌ 节点创建备份失败 [%s]: %v", backup.UUID, err)
			s.markFailed(backup.ID)
		}
	}()

	return backup, nil
}

// markFailed 把备份置为失败终态（successful=false, completed=now）
func (s *BackupService) markFailed(backupID uint) {
	now := time.Now()
	err := s.db.Model(&models.ServerBackup{}).Where("id = ?", backupID).Updates(map[string]interface{}{
		"successful":   false,
		"completed_at": &now,
	}).Error
	if err != nil {
		log.Printf("⚠️ 标记备份失败状态时出错 [%d]: %v", backupID, err)
	}
}

// IssueMultipartURLs 节点回调：按总大小签发 S3 分段上传 URL。
// 分段数 = ceil(size/part_size)，upload_id 持久化到备份行
func (s *BackupService) IssueMultipartURLs(ctx context.Context, backup *models.ServerBackup, size int64) (urls []string, partSize int64, err error) {
	if backup.Disk != models.BackupDiskS3 {
		return nil, 0, ErrBackupNotS3
	}

	cfg, err := s.configurationFor(backup)
	if err != nil {
		return nil, 0, err
	}

	key, err := s.objectKey(backup)
	if err != nil {
		return nil, 0, err
	}

	client, err := s.s3New(ctx, cfg, s.secrets)
	if err != nil {
		return nil, 0, err
	}

	uploadID, urls, err := s.s3Start(ctx, client, cfg, key, size)
	if err != nil {
		return nil, 0, err
	}

	err = s.db.Model(backup).Updates(map[string]interface{}{
		"upload_id":   uploadID,
		"upload_path": key,
	}).Error
	if err != nil {
		return nil, 0, fmt.Errorf("保存 upload_id 失败: %w", err)
	}

	return urls, cfg.PartSize(), nil
}

// Complete 节点回调：汇报备份结果。S3 后端先收尾或放弃分段上传，
// S3 侧的错误只记日志；随后无论什么后端都把行推进到唯一一次的
// 终态变更
func (s *BackupService) Complete(ctx context.Context, backup *models.ServerBackup, successful bool, checksum, checksumType string, size int64, parts []S3Part) error {
	now := time.Now()
	updates := map[string]interface{}{
		"successful":   successful,
		"completed_at": &now,
	}
	if successful {
		updates["checksum"] = checksumType + ":" + checksum
		updates["bytes"] = size
	}

	// 终态写入带 completed_at IS NULL 条件，并发回调只有一个能赢，
	// S3 收尾也只由赢家执行
	res := s.db.Model(&models.ServerBackup{}).
		Where("id = ? AND completed_at IS NULL", backup.ID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新备份状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBackupAlreadyCompleted
	}

	if backup.Disk == models.BackupDiskS3 && backup.UploadID != "" {
		s.finishMultipart(ctx, backup, successful, parts)
	}

	event := "server:backup.complete"
	if !successful {
		event = "server:backup.fail"
	}
	s.activity.Log(event, nil, backup.ServerID, "", map[string]interface{}{
		"backup": backup.UUID,
		"bytes":  size,
	})

	return nil
}

// finishMultipart 收尾（成功）或放弃（失败）分段上传。
// 这里的 S3 错误从不让回调本身失败
func (s *BackupService) finishMultipart(ctx context.Context, backup *models.ServerBackup, successful bool, parts []S3Part) {
	cfg, err := s.configurationFor(backup)
	if err != nil {
		log.Printf("⚠️ 解析备份配置失败，跳过 S3 收尾 [%s]: %v", backup.UUID, err)
		return
	}

	key, err := s.objectKey(backup)
	if err != nil {
		log.Printf("⚠️ 推导对象键失败，跳过 S3 收尾 [%s]: %v", backup.UUID, err)
		return
	}

	client, err := s.s3New(ctx, cfg, s.secrets)
	if err != nil {
		log.Printf("⚠️ 构建 S3 客户端失败，跳过收尾 [%s]: %v", backup.UUID, err)
		return
	}

	if successful {
		if err := s.s3Complete(ctx, client, cfg, key, backup.UploadID, parts); err != nil {
			log.Printf("⚠️ 完成分段上传失败 [%s]: %v", backup.UUID, err)
		}
	} else {
		if err := s.s3Abort(ctx, client, cfg, key, backup.UploadID); err != nil {
			log.Printf("⚠️ 放弃分段上传失败 [%s]: %v", backup.UUID, err)
		}
	}
}

// Restore 让节点从备份恢复服务器。只有 S3 后端需要面板签发下载
// URL，其余后端节点直接访问自己的存储
func (s *BackupService) Restore(ctx context.Context, server *models.Server, backup *models.ServerBackup, truncate bool) error {
	cfg, err := s.configurationFor(backup)
	if err != nil {
		return err
	}

	downloadURL := ""
	if backup.Disk == models.BackupDiskS3 {
		client, err := s.s3New(ctx, cfg, s.secrets)
		if err != nil {
			return err
		}
		downloadURL, err = s.s3Presign(ctx, client, cfg, backup.S3ObjectKey(server.UUID))
		if err != nil {
			return err
		}
	}

	var node models.Node
	if err := s.db.First(&node, backup.NodeID).Error; err != nil {
		return fmt.Errorf("查询节点失败: %w", err)
	}

	if err := s.db.Model(server).Update("status", models.ServerStatusRestoringBackup).Error; err != nil {
		return fmt.Errorf("更新服务器状态失败: %w", err)
	}

	if err := s.nodes(&node).RestoreBackup(ctx, server.UUID, backup.UUID, &NodeRestoreRequest{
		Adapter:           backup.Disk,
		TruncateDirectory: truncate,
		DownloadURL:       downloadURL,
	}); err != nil {
		// 节点没接下任务，状态拨回正常
		if rollbackErr := s.db.Model(server).Update("status", nil).Error; rollbackErr != nil {
			log.Printf("❌ 回滚恢复状态失败 [%s]: %v", server.UUID, rollbackErr)
		}
		return err
	}

	s.activity.Log("server:backup.restore", nil, &server.ID, "", map[string]interface{}{
		"backup": backup.UUID,
	})
	return nil
}

// CompleteRestore 节点上报恢复结束，服务器回到正常状态
func (s *BackupService) CompleteRestore(ctx context.Context, backup *models.ServerBackup, successful bool) error {
	err := s.db.Model(&models.Server{}).
		Where("id = ? AND status = ?", backup.ServerID, models.ServerStatusRestoringBackup).
		Update("status", nil).Error
	if err != nil {
		return fmt.Errorf("更新服务器状态失败: %w", err)
	}

	event := "server:backup.restore-complete"
	if !successful {
		event = "server:backup.restore-fail"
	}
	s.activity.Log(event, nil, backup.ServerID, "", map[string]interface{}{
		"backup": backup.UUID,
	})
	return nil
}

// Delete 删除备份：先跑监听器，再按后端清理远端数据，最后打软删除
// 墓碑。S3 直接删对象（尽力而为，失败只记日志）；其余后端走节点删除
// API，404 视为成功。和服务器删除一样，远端调用发生在本地事务窗口内：
// 本地行的移除以远端成功为前提，force 把远端失败降级为记日志继续
func (s *BackupService) Delete(ctx context.Context, backup *models.ServerBackup, opts DeleteOptions) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.listeners.runBackupListeners(ctx, tx, backup, opts); err != nil {
			return err
		}

		if backup.Disk == models.BackupDiskS3 {
			s.deleteS3Object(ctx, backup)
		} else {
			var node models.Node
			if err := tx.First(&node, backup.NodeID).Error; err != nil {
				if !opts.Force {
					return fmt.Errorf("查询节点失败: %w", err)
				}
				log.Printf("⚠️ 查询节点失败，force 强制继续 [%s]: %v", backup.UUID, err)
			} else if err := s.nodes(&node).DeleteBackup(ctx, backup.UUID, backup.Disk); err != nil {
				if !opts.Force {
					return fmt.Errorf("节点删除备份失败: %w", err)
				}
				log.Printf("⚠️ 节点删除备份失败，force 强制继续 [%s]: %v", backup.UUID, err)
			}
		}

		// 软删除，行保留为墓碑
		if err := tx.Delete(backup).Error; err != nil {
			return fmt.Errorf("删除备份记录失败: %w", err)
		}
		return nil
	})
}

// deleteS3Object 尽力而为地直接删除 S3 对象，错误只记日志
func (s *BackupService) deleteS3Object(ctx context.Context, backup *models.ServerBackup) {
	cfg, err := s.configurationFor(backup)
	if err != nil {
		log.Printf("⚠️ 解析备份配置失败，跳过 S3 对象删除 [%s]: %v", backup.UUID, err)
		return
	}
	key, err := s.objectKey(backup)
	if err != nil {
		log.Printf("⚠️ 推导对象键失败，跳过 S3 对象删除 [%s]: %v", backup.UUID, err)
		return
	}
	client, err := s.s3New(ctx, cfg, s.secrets)
	if err != nil {
		log.Printf("⚠️ 构建 S3 客户端失败，跳过对象删除 [%s]: %v", backup.UUID, err)
		return
	}
	if err := s.s3Delete(ctx, client, cfg, key); err != nil {
		log.Printf("⚠️ 删除 S3 对象失败 [%s]: %v", backup.UUID, err)
	}
}

// DeleteOldest 配额淘汰：选出该服务器最旧的一个未锁定、已完成、
// 未删除的备份并删除它。调用方（配额检查）依赖这条选择规则
func (s *BackupService) DeleteOldest(ctx context.Context, server *models.Server) error {
	var oldest models.ServerBackup
	err := s.db.
		Where("server_id = ?", server.ID).
		Where("locked = ?", false).
		Where("completed_at IS NOT NULL").
		Order("created_at asc").
		First(&oldest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoEvictableBackup
		}
		return fmt.Errorf("查询可淘汰备份失败: %w", err)
	}

	return s.Delete(ctx, &oldest, DeleteOptions{})
}

// configurationFor 取备份创建时解析出的配置；老数据没有记录配置
// 引用时退回覆盖链解析
func (s *BackupService) configurationFor(backup *models.ServerBackup) (*models.BackupConfiguration, error) {
	if backup.BackupConfigurationID != nil {
		return loadBackupConfiguration(s.db, *backup.BackupConfigurationID)
	}
	if backup.ServerID == nil {
		return nil, ErrNoBackupConfiguration
	}
	var server models.Server
	if err := s.db.First(&server, *backup.ServerID).Error; err != nil {
		return nil, fmt.Errorf("查询服务器失败: %w", err)
	}
	return ResolveBackupConfiguration(s.db, &server)
}

// objectKey 备份的 S3 对象键。优先 upload_path 覆盖，否则
// {server_uuid}/{backup_uuid}.tar.gz
func (s *BackupService) objectKey(backup *models.ServerBackup) (string, error) {
	if backup.UploadPath != "" {
		return backup.UploadPath, nil
	}
	if backup.ServerID == nil {
		return "", fmt.Errorf("备份已脱离服务器且没有 upload_path")
	}
	var server models.Server
	if err := s.db.First(&server, *backup.ServerID).Error; err != nil {
		return "", fmt.Errorf("查询服务器失败: %w", err)
	}
	return backup.S3ObjectKey(server.UUID), nil
}
