package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gamepanel/models"
)

func newBackupService(t *testing.T, db *gorm.DB, fake *fakeNodeCommander) *BackupService {
	t.Helper()

	return NewBackupService(db, newTestSecrets(t), NewDeleteListenerRegistry(), NewActivityLogger(db), fakeNodeFactory(fake))
}

func TestBackupCreateWithoutConfigurationLeavesNoRow(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	svc := newBackupService(t, db, &fakeNodeCommander{})

	_, err := svc.Create(context.Background(), server, "", nil)
	assert.ErrorIs(t, err, ErrNoBackupConfiguration)

	var count int64
	require.NoError(t, db.Model(&models.ServerBackup{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBackupCreatePinsDiskAndDispatchesToNode(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")
	require.NoError(t, db.Model(node).Update("backup_configuration_id", cfg.ID).Error)

	fake := &fakeNodeCommander{}
	svc := newBackupService(t, db, fake)

	backup, err := svc.Create(context.Background(), server, "my-backup", []string{"*.log", "cache/"})
	require.NoError(t, err)

	assert.Equal(t, models.BackupDiskLocal, backup.Disk)
	assert.Equal(t, "my-backup", backup.Name)
	assert.False(t, backup.IsCompleted())
	assert.Zero(t, backup.Bytes)

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.createdBackups) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackupCreateNodeFailureMarksFailed(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")
	require.NoError(t, db.Model(node).Update("backup_configuration_id", cfg.ID).Error)

	fake := &fakeNodeCommander{createBackupErr: errors.New("节点不可达")}
	svc := newBackupService(t, db, fake)

	backup, err := svc.Create(context.Background(), server, "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var row models.ServerBackup
		if err := db.First(&row, backup.ID).Error; err != nil {
			return false
		}
		return row.IsCompleted() && !row.Successful
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackupCompleteSuccessRecordsChecksumAndBytes(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-complete",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	svc := newBackupService(t, db, &fakeNodeCommander{})
	require.NoError(t, svc.Complete(context.Background(), &backup, true, "deadbeef", "sha1", 4096, nil))

	var row models.ServerBackup
	require.NoError(t, db.First(&row, backup.ID).Error)
	assert.True(t, row.Successful)
	assert.True(t, row.IsCompleted())
	assert.Equal(t, "sha1:deadbeef", row.Checksum)
	assert.EqualValues(t, 4096, row.Bytes)
}

func TestBackupCompleteFailureLeavesBytesUntouched(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-fail",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	svc := newBackupService(t, db, &fakeNodeCommander{})
	require.NoError(t, svc.Complete(context.Background(), &backup, false, "", "", 4096, nil))

	var row models.ServerBackup
	require.NoError(t, db.First(&row, backup.ID).Error)
	assert.False(t, row.Successful)
	assert.True(t, row.IsCompleted())
	assert.Empty(t, row.Checksum)
	assert.Zero(t, row.Bytes)
}

func TestBackupCompleteIsTerminalOnce(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-once",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	svc := newBackupService(t, db, &fakeNodeCommander{})
	require.NoError(t, svc.Complete(context.Background(), &backup, true, "deadbeef", "sha1", 4096, nil))

	// 第二次上报输掉条件更新，行原样不动
	err := svc.Complete(context.Background(), &backup, false, "", "", 0, nil)
	require.ErrorIs(t, err, ErrBackupAlreadyCompleted)

	var row models.ServerBackup
	require.NoError(t, db.First(&row, backup.ID).Error)
	assert.True(t, row.Successful)
	assert.Equal(t, "sha1:deadbeef", row.Checksum)
	assert.EqualValues(t, 4096, row.Bytes)
}

func TestBackupRestoreSetsStatusAndDispatches(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-restore",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	fake := &fakeNodeCommander{}
	svc := newBackupService(t, db, fake)
	require.NoError(t, svc.Restore(context.Background(), server, &backup, true))

	var row models.Server
	require.NoError(t, db.First(&row, server.ID).Error)
	require.NotNil(t, row.Status)
	assert.Equal(t, models.ServerStatusRestoringBackup, *row.Status)
	assert.Equal(t, []string{"b-restore"}, fake.restoredBackups)

	// 节点回报后状态清空
	require.NoError(t, svc.CompleteRestore(context.Background(), &backup, true))
	require.NoError(t, db.First(&row, server.ID).Error)
	assert.Nil(t, row.Status)
}

func TestBackupRestoreNodeFailureRollsBackStatus(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-restore-fail",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	fake := &fakeNodeCommander{restoreBackupErr: errors.New("agent offline")}
	svc := newBackupService(t, db, fake)
	require.Error(t, svc.Restore(context.Background(), server, &backup, false))

	var row models.Server
	require.NoError(t, db.First(&row, server.ID).Error)
	assert.Nil(t, row.Status)
}

func TestCompleteRestoreLeavesOtherStatusAlone(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-restore-other",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)
	require.NoError(t, db.Model(server).Update("status", models.ServerStatusTransferring).Error)

	svc := newBackupService(t, db, &fakeNodeCommander{})
	require.NoError(t, svc.CompleteRestore(context.Background(), &backup, true))

	var row models.Server
	require.NoError(t, db.First(&row, server.ID).Error)
	require.NotNil(t, row.Status)
	assert.Equal(t, models.ServerStatusTransferring, *row.Status)
}

func TestIssueMultipartURLsRejectsNonS3(t *testing.T) {
	db := newTestDB(t)
	svc := newBackupService(t, db, &fakeNodeCommander{})

	backup := models.ServerBackup{Disk: models.BackupDiskLocal}
	_, _, err := svc.IssueMultipartURLs(context.Background(), &backup, 1024)
	assert.ErrorIs(t, err, ErrBackupNotS3)
}

func TestIssueMultipartURLsPersistsUploadID(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)

	cfg := models.BackupConfiguration{
		Name:        "s3-cfg",
		BackupDisk:  models.BackupDiskS3,
		S3AccessKey: "ak",
		S3SecretKey: "encrypted-sk",
		S3Bucket:    "backups",
		S3Region:    "us-east-1",
	}
	require.NoError(t, db.Create(&cfg).Error)

	backup := models.ServerBackup{
		UUID:                  "b-s3",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskS3,
	}
	require.NoError(t, db.Create(&backup).Error)

	svc := newBackupService(t, db, &fakeNodeCommander{})
	var requestedKey string
	var requestedSize int64
	svc.s3New = func(ctx context.Context, cfg *models.BackupConfiguration, secrets *SecretStore) (*s3.Client, error) {
		return nil, nil
	}
	svc.s3Start = func(ctx context.Context, client *s3.Client, cfg *models.BackupConfiguration, key string, size int64) (string, []string, error) {
		requestedKey = key
		requestedSize = size
		return "upload-123", []string{"https://s3/part1", "https://s3/part2"}, nil
	}

	urls, partSize, err := svc.IssueMultipartURLs(context.Background(), &backup, 600*1024*1024)
	require.NoError(t, err)
	assert.Len(t, urls, 2)
	assert.Equal(t, models.DefaultS3PartSize, partSize)
	assert.Equal(t, server.UUID+"/b-s3.tar.gz", requestedKey)
	assert.EqualValues(t, 600*1024*1024, requestedSize)

	var row models.ServerBackup
	require.NoError(t, db.First(&row, backup.ID).Error)
	assert.Equal(t, "upload-123", row.UploadID)
	assert.Equal(t, requestedKey, row.UploadPath)
}

func TestBackupDeleteSoftDeletesAndCallsNode(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-delete",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	fake := &fakeNodeCommander{}
	svc := newBackupService(t, db, fake)

	require.NoError(t, svc.Delete(context.Background(), &backup, DeleteOptions{}))
	assert.Equal(t, []string{"b-delete"}, fake.deletedBackups)

	// 普通查询不可见，墓碑仍在
	var count int64
	require.NoError(t, db.Model(&models.ServerBackup{}).Where("uuid = ?", "b-delete").Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Unscoped().Model(&models.ServerBackup{}).Where("uuid = ?", "b-delete").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBackupDeleteNodeFailureRollsBackUnlessForced(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-stuck",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
	}
	require.NoError(t, db.Create(&backup).Error)

	fake := &fakeNodeCommander{deleteBackupErr: errors.New("节点不可达")}
	svc := newBackupService(t, db, fake)

	err := svc.Delete(context.Background(), &backup, DeleteOptions{})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.ServerBackup{}).Where("uuid = ?", "b-stuck").Count(&count).Error)
	assert.EqualValues(t, 1, count, "远端失败时本地行必须保留")

	// force 降级为记日志继续
	require.NoError(t, svc.Delete(context.Background(), &backup, DeleteOptions{Force: true}))
	require.NoError(t, db.Model(&models.ServerBackup{}).Where("uuid = ?", "b-stuck").Count(&count).Error)
	assert.Zero(t, count)
}

func TestBackupDeleteListenerCanAbort(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	backup := models.ServerBackup{
		UUID:                  "b-locked",
		ServerID:              &server.ID,
		NodeID:                node.ID,
		BackupConfigurationID: &cfg.ID,
		Name:                  "b",
		Disk:                  models.BackupDiskLocal,
		Locked:                true,
	}
	require.NoError(t, db.Create(&backup).Error)

	listeners := NewDeleteListenerRegistry()
	listeners.OnBackupDelete(func(ctx context.Context, tx *gorm.DB, b *models.ServerBackup, opts DeleteOptions) error {
		if b.Locked && !opts.Force {
			return errors.New("备份已锁定")
		}
		return nil
	})
	fake := &fakeNodeCommander{}
	svc := NewBackupService(db, newTestSecrets(t), listeners, NewActivityLogger(db), fakeNodeFactory(fake))

	err := svc.Delete(context.Background(), &backup, DeleteOptions{})
	require.Error(t, err)
	assert.Empty(t, fake.deletedBackups, "监听器中止后不得触达节点")

	require.NoError(t, svc.Delete(context.Background(), &backup, DeleteOptions{Force: true}))
}

func TestDeleteOldestPicksUnlockedCompleted(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	cfg := seedBackupConfig(t, db, "cfg")

	now := time.Now()
	mk := func(uuid string, age time.Duration, locked, completed bool) {
		b := models.ServerBackup{
			UUID:                  uuid,
			ServerID:              &server.ID,
			NodeID:                node.ID,
			BackupConfigurationID: &cfg.ID,
			Name:                  uuid,
			Disk:                  models.BackupDiskLocal,
			Locked:                locked,
		}
		if completed {
			done := now.Add(-age)
			b.CompletedAt = &done
			b.Successful = true
		}
		require.NoError(t, db.Create(&b).Error)
		require.NoError(t, db.Model(&b).Update("created_at", now.Add(-age)).Error)
	}

	mk("locked-oldest", 4*time.Hour, true, true)
	mk("incomplete-old", 3*time.Hour, false, false)
	mk("target", 2*time.Hour, false, true)
	mk("newest", 1*time.Hour, false, true)

	fake := &fakeNodeCommander{}
	svc := newBackupService(t, db, fake)

	require.NoError(t, svc.DeleteOldest(context.Background(), server))
	assert.Equal(t, []string{"target"}, fake.deletedBackups)
}

func TestDeleteOldestNothingEvictable(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	svc := newBackupService(t, db, &fakeNodeCommander{})

	err := svc.DeleteOldest(context.Background(), server)
	assert.ErrorIs(t, err, ErrNoEvictableBackup)
}
