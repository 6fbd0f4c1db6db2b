package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gamepanel/database"
	"gamepanel/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// 内存库随连接存在，锁死在单个连接上
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestSecrets(t *testing.T) *SecretStore {
	t.Helper()

	secrets, err := NewSecretStore("test-app-key")
	require.NoError(t, err)
	return secrets
}

// fakeNodeCommander 记录调用并按需返回错误
type fakeNodeCommander struct {
	mu sync.Mutex

	createServerErr  error
	deleteServerErr  error
	createBackupErr  error
	deleteBackupErr  error
	restoreBackupErr error
	syncServerErr    error

	createdServers  []string
	deletedServers  []string
	createdBackups  []string
	deletedBackups  []string
	restoredBackups []string
	syncedServers   []string
}

func (f *fakeNodeCommander) CreateServer(ctx context.Context, req *NodeCreateServerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createServerErr != nil {
		return f.createServerErr
	}
	f.createdServers = append(f.createdServers, req.UUID)
	return nil
}

func (f *fakeNodeCommander) DeleteServer(ctx context.Context, serverUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteServerErr != nil {
		return f.deleteServerErr
	}
	f.deletedServers = append(f.deletedServers, serverUUID)
	return nil
}

func (f *fakeNodeCommander) SyncServer(ctx context.Context, serverUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncServerErr != nil {
		return f.syncServerErr
	}
	f.syncedServers = append(f.syncedServers, serverUUID)
	return nil
}

func (f *fakeNodeCommander) CreateBackup(ctx context.Context, serverUUID, adapter, backupUUID string, ignoredFiles []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createBackupErr != nil {
		return f.createBackupErr
	}
	f.createdBackups = append(f.createdBackups, backupUUID)
	return nil
}

func (f *fakeNodeCommander) DeleteBackup(ctx context.Context, backupUUID, adapter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteBackupErr != nil {
		return f.deleteBackupErr
	}
	f.deletedBackups = append(f.deletedBackups, backupUUID)
	return nil
}

func (f *fakeNodeCommander) RestoreBackup(ctx context.Context, serverUUID, backupUUID string, req *NodeRestoreRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreBackupErr != nil {
		return f.restoreBackupErr
	}
	f.restoredBackups = append(f.restoredBackups, backupUUID)
	return nil
}

func fakeNodeFactory(f *fakeNodeCommander) NodeClientFactory {
	return func(node *models.Node) NodeCommander { return f }
}

// seedNode 建一个带机房的节点
func seedNode(t *testing.T, db *gorm.DB) *models.Node {
	t.Helper()

	location := models.Location{Name: "loc-" + t.Name()}
	require.NoError(t, db.Create(&location).Error)

	node := models.Node{
		Name:       "node-" + t.Name(),
		LocationID: location.ID,
		TokenID:    "tok-" + t.Name(),
		Token:      "encrypted",
		URL:        "http://127.0.0.1:8080",
		Memory:     8192,
		Disk:       102400,
	}
	require.NoError(t, db.Create(&node).Error)
	return &node
}

// seedServer 建一个挂在节点上的服务器
func seedServer(t *testing.T, db *gorm.DB, node *models.Node) *models.Server {
	t.Helper()

	owner := models.User{Username: "owner-" + t.Name(), Password: "x", Email: t.Name() + "@test.local"}
	require.NoError(t, db.Create(&owner).Error)

	egg := models.Egg{Name: "egg-" + t.Name(), DockerImage: "img", Startup: "./run"}
	require.NoError(t, db.Create(&egg).Error)

	uuid := "00000000-0000-4000-8000-" + padRight(t.Name())
	server := models.Server{
		UUID:      uuid,
		UUIDShort: models.ShortID(uuid),
		Name:      "srv-" + t.Name(),
		NodeID:    node.ID,
		OwnerID:   owner.ID,
		EggID:     egg.ID,
		Memory:    1024,
		Disk:      10240,
	}
	require.NoError(t, db.Create(&server).Error)
	return &server
}

func padRight(s string) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 12)
	for i := range out {
		if i < len(s) {
			out[i] = hex[int(s[i])%16]
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}
