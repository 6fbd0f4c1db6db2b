package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gamepanel/models"
)

// fakeEngine 记录 DDL 调用并按需返回错误
type fakeEngine struct {
	createErr error
	dropErr   error
	alterErr  error

	creates []string
	drops   []string
	alters  []string
	closed  bool
}

func (e *fakeEngine) CreateUserAndDatabase(ctx context.Context, name, username, password string) error {
	if e.createErr != nil {
		return e.createErr
	}
	e.creates = append(e.creates, name)
	return nil
}

func (e *fakeEngine) DropUserAndDatabase(ctx context.Context, name, username string, force bool) error {
	if e.dropErr != nil {
		return e.dropErr
	}
	e.drops = append(e.drops, name)
	return nil
}

func (e *fakeEngine) AlterPassword(ctx context.Context, username, password string) error {
	if e.alterErr != nil {
		return e.alterErr
	}
	e.alters = append(e.alters, username)
	return nil
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

func newDatabaseService(t *testing.T, db *gorm.DB, engine *fakeEngine) *DatabaseService {
	t.Helper()

	return NewDatabaseService(db, newTestSecrets(t), NewDeleteListenerRegistry(), NewActivityLogger(db),
		func(host *models.DatabaseHost, s *SecretStore) (DatabaseEngine, error) {
			return engine, nil
		})
}

func seedDatabaseHost(t *testing.T, db *gorm.DB) *models.DatabaseHost {
	t.Helper()

	host := models.DatabaseHost{
		Name:     "host-" + t.Name(),
		Engine:   models.DatabaseEngineMySQL,
		Host:     "127.0.0.1",
		Port:     3306,
		Username: "root",
		Password: "encrypted",
	}
	require.NoError(t, db.Create(&host).Error)
	return &host
}

func TestDatabaseCreateProvisionsAndBookkeeps(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	row, password, err := svc.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	expectedName := fmt.Sprintf("s%x_minecraft", server.UUIDShort)
	assert.Equal(t, expectedName, row.Name)
	assert.Len(t, password, 24)
	assert.Equal(t, []string{expectedName}, engine.creates)
	assert.True(t, engine.closed)

	// 库里只存密文，解密后等于返回的明文
	var stored models.ServerDatabase
	require.NoError(t, db.First(&stored, row.ID).Error)
	assert.NotEqual(t, password, stored.Password)

	secrets := newTestSecrets(t)
	decrypted, err := secrets.Decrypt(stored.Password)
	require.NoError(t, err)
	assert.Equal(t, password, decrypted)
}

func TestDatabaseCreateRejectsQuoteCharactersBeforeDDL(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	_, _, err := svc.Create(context.Background(), server, host, `evil"name`)
	assert.ErrorIs(t, err, ErrUnsafeDatabaseIdentifier)
	assert.Empty(t, engine.creates, "非法标识符不得触达任何 DDL")
	assert.Empty(t, engine.drops)

	var count int64
	require.NoError(t, db.Model(&models.ServerDatabase{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDatabaseCreateCompensatesOnBookkeepingFailure(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	// schema 名由短 ID 确定性推导，同名第二次创建触发唯一冲突
	_, _, err := svc.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	_, _, err = svc.Create(context.Background(), server, host, "minecraft")
	require.Error(t, err)

	expectedName := fmt.Sprintf("s%x_minecraft", server.UUIDShort)
	assert.Equal(t, []string{expectedName, expectedName}, engine.creates)
	assert.Equal(t, []string{expectedName}, engine.drops, "簿记失败后必须补偿删除")
}

func TestDatabaseCreateCompensatesOnDDLFailure(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{createErr: errors.New("拒绝连接")}
	svc := newDatabaseService(t, db, engine)

	_, _, err := svc.Create(context.Background(), server, host, "minecraft")
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.ServerDatabase{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRotatePasswordPersistsNewCiphertext(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	row, original, err := svc.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	rotated, err := svc.RotatePassword(context.Background(), row)
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated)
	assert.Equal(t, []string{row.Username}, engine.alters)

	var stored models.ServerDatabase
	require.NoError(t, db.First(&stored, row.ID).Error)
	decrypted, err := newTestSecrets(t).Decrypt(stored.Password)
	require.NoError(t, err)
	assert.Equal(t, rotated, decrypted)
}

func TestRotatePasswordEngineFailureKeepsOldCiphertext(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	row, original, err := svc.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	engine.alterErr = errors.New("拒绝连接")
	_, err = svc.RotatePassword(context.Background(), row)
	require.Error(t, err)

	var stored models.ServerDatabase
	require.NoError(t, db.First(&stored, row.ID).Error)
	decrypted, err := newTestSecrets(t).Decrypt(stored.Password)
	require.NoError(t, err)
	assert.Equal(t, original, decrypted, "引擎失败时密文不得变化")
}

func TestDatabaseDeleteRemovesRowAndDropsRemote(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	row, _, err := svc.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), row, DeleteOptions{}))
	assert.Equal(t, []string{row.Name}, engine.drops)

	var count int64
	require.NoError(t, db.Model(&models.ServerDatabase{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDatabaseDeleteInUseKeepsRow(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)
	engine := &fakeEngine{}
	svc := newDatabaseService(t, db, engine)

	row, _, err := svc.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	engine.dropErr = ErrDatabaseInUse
	err = svc.Delete(context.Background(), row, DeleteOptions{})
	assert.ErrorIs(t, err, ErrDatabaseInUse)

	var count int64
	require.NoError(t, db.Model(&models.ServerDatabase{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "远端拒绝时簿记行必须保留")
}

func TestServerDeleteTearsDownTenantDatabases(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	host := seedDatabaseHost(t, db)

	secrets := newTestSecrets(t)
	listeners := NewDeleteListenerRegistry()
	activity := NewActivityLogger(db)
	engine := &fakeEngine{}
	databases := NewDatabaseService(db, secrets, listeners, activity,
		func(h *models.DatabaseHost, s *SecretStore) (DatabaseEngine, error) {
			return engine, nil
		})
	servers := NewServerService(db, secrets, listeners, activity, databases, fakeNodeFactory(&fakeNodeCommander{}))

	row, _, err := databases.Create(context.Background(), server, host, "minecraft")
	require.NoError(t, err)

	require.NoError(t, servers.Delete(context.Background(), server, DeleteOptions{}))
	assert.Equal(t, []string{row.Name}, engine.drops)

	var count int64
	require.NoError(t, db.Model(&models.ServerDatabase{}).Count(&count).Error)
	assert.Zero(t, count)
}
