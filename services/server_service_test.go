package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gamepanel/models"
)

func newServerService(t *testing.T, db *gorm.DB, fake *fakeNodeCommander) *ServerService {
	t.Helper()

	secrets := newTestSecrets(t)
	listeners := NewDeleteListenerRegistry()
	activity := NewActivityLogger(db)
	databases := NewDatabaseService(db, secrets, listeners, activity, func(host *models.DatabaseHost, s *SecretStore) (DatabaseEngine, error) {
		return &fakeEngine{}, nil
	})
	return NewServerService(db, secrets, listeners, activity, databases, fakeNodeFactory(fake))
}

func baseInput(t *testing.T, db *gorm.DB, node *models.Node) CreateServerInput {
	t.Helper()

	owner := models.User{Username: "creator-" + t.Name(), Password: "x", Email: t.Name() + "@create.local"}
	require.NoError(t, db.Create(&owner).Error)
	egg := models.Egg{Name: "egg-create-" + t.Name(), DockerImage: "img", Startup: "./run"}
	require.NoError(t, db.Create(&egg).Error)

	return CreateServerInput{
		Name:    "new-server",
		NodeID:  node.ID,
		OwnerID: owner.ID,
		EggID:   egg.ID,
		Memory:  2048,
		Disk:    20480,
	}
}

func TestServerCreateHappyPath(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	fake := &fakeNodeCommander{}
	svc := newServerService(t, db, fake)

	server, err := svc.Create(context.Background(), baseInput(t, db, node))
	require.NoError(t, err)

	assert.NotEmpty(t, server.UUID)
	assert.Equal(t, models.ShortID(server.UUID), server.UUIDShort)
	require.NotNil(t, server.Status)
	assert.Equal(t, models.ServerStatusInstalling, *server.Status)
	assert.Equal(t, []string{server.UUID}, fake.createdServers)
}

func TestServerCreateRetriesUUIDCollisions(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	existing := seedServer(t, db, node)

	fake := &fakeNodeCommander{}
	svc := newServerService(t, db, fake)

	// 前三次生成撞上已有 UUID，第四次放行
	attempts := 0
	svc.newUUID = func() string {
		attempts++
		if attempts <= 3 {
			return existing.UUID
		}
		return fmt.Sprintf("11111111-1111-4111-8111-%012d", attempts)
	}

	server, err := svc.Create(context.Background(), baseInput(t, db, node))
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.NotEqual(t, existing.UUID, server.UUID)
}

func TestServerCreateGivesUpAfterTooManyCollisions(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	existing := seedServer(t, db, node)

	svc := newServerService(t, db, &fakeNodeCommander{})
	svc.newUUID = func() string { return existing.UUID }

	_, err := svc.Create(context.Background(), baseInput(t, db, node))
	assert.ErrorIs(t, err, ErrTooManyUUIDCollisions)

	var count int64
	require.NoError(t, db.Model(&models.Server{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "只应剩下预置的那台服务器")
}

func TestServerCreateClaimsAllocation(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	alloc := models.Allocation{NodeID: node.ID, IP: "10.0.0.1", Port: 25565}
	require.NoError(t, db.Create(&alloc).Error)

	svc := newServerService(t, db, &fakeNodeCommander{})
	input := baseInput(t, db, node)
	input.AllocationID = &alloc.ID

	server, err := svc.Create(context.Background(), input)
	require.NoError(t, err)

	var claimed models.Allocation
	require.NoError(t, db.First(&claimed, alloc.ID).Error)
	require.NotNil(t, claimed.ServerID)
	assert.Equal(t, server.ID, *claimed.ServerID)
}

func TestServerCreateRejectsTakenAllocation(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	other := seedServer(t, db, node)
	alloc := models.Allocation{NodeID: node.ID, IP: "10.0.0.1", Port: 25565, ServerID: &other.ID}
	require.NoError(t, db.Create(&alloc).Error)

	svc := newServerService(t, db, &fakeNodeCommander{})
	input := baseInput(t, db, node)
	input.AllocationID = &alloc.ID

	_, err := svc.Create(context.Background(), input)
	assert.ErrorIs(t, err, ErrAllocationTaken)
}

func TestServerCreateCompensatesWhenNodeFails(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	alloc := models.Allocation{NodeID: node.ID, IP: "10.0.0.1", Port: 25565}
	require.NoError(t, db.Create(&alloc).Error)

	fake := &fakeNodeCommander{createServerErr: errors.New("节点不可达")}
	svc := newServerService(t, db, fake)
	input := baseInput(t, db, node)
	input.AllocationID = &alloc.ID

	_, err := svc.Create(context.Background(), input)
	require.Error(t, err)

	// 行被补偿删除，分配被释放
	var count int64
	require.NoError(t, db.Unscoped().Model(&models.Server{}).Count(&count).Error)
	assert.Zero(t, count)

	var freed models.Allocation
	require.NoError(t, db.First(&freed, alloc.ID).Error)
	assert.Nil(t, freed.ServerID)
}

func TestServerDeleteReleasesEverything(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)

	alloc := models.Allocation{NodeID: node.ID, IP: "10.0.0.1", Port: 25565, ServerID: &server.ID}
	require.NoError(t, db.Create(&alloc).Error)
	backup := models.ServerBackup{UUID: "b1", ServerID: &server.ID, NodeID: node.ID, Name: "b", Disk: models.BackupDiskLocal}
	require.NoError(t, db.Create(&backup).Error)

	fake := &fakeNodeCommander{}
	svc := newServerService(t, db, fake)

	require.NoError(t, svc.Delete(context.Background(), server, DeleteOptions{}))
	assert.Equal(t, []string{server.UUID}, fake.deletedServers)

	var freed models.Allocation
	require.NoError(t, db.First(&freed, alloc.ID).Error)
	assert.Nil(t, freed.ServerID)

	// 备份脱离服务器但保留
	var detached models.ServerBackup
	require.NoError(t, db.First(&detached, backup.ID).Error)
	assert.Nil(t, detached.ServerID)

	var count int64
	require.NoError(t, db.Model(&models.Server{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestServerDeleteNodeFailureRollsBackUnlessForced(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)

	fake := &fakeNodeCommander{deleteServerErr: errors.New("节点不可达")}
	svc := newServerService(t, db, fake)

	err := svc.Delete(context.Background(), server, DeleteOptions{})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Server{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "远端失败时本地行必须保留")

	require.NoError(t, svc.Delete(context.Background(), server, DeleteOptions{Force: true}))
	require.NoError(t, db.Model(&models.Server{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTransferValidation(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	svc := newServerService(t, db, &fakeNodeCommander{})

	// 目标等于当前节点
	assert.ErrorIs(t, svc.InitiateTransfer(context.Background(), server, node.ID, nil), ErrTransferInvalid)

	// 目标节点不存在
	assert.ErrorIs(t, svc.InitiateTransfer(context.Background(), server, 9999, nil), ErrTransferInvalid)
}

func TestTransferLifecycle(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	svc := newServerService(t, db, &fakeNodeCommander{})

	dest := models.Node{
		Name: "dest", LocationID: node.LocationID, TokenID: "tok-dest",
		Token: "enc", URL: "http://127.0.0.2:8080", Memory: 8192, Disk: 102400,
	}
	require.NoError(t, db.Create(&dest).Error)
	destAlloc := models.Allocation{NodeID: dest.ID, IP: "10.0.0.2", Port: 25565}
	require.NoError(t, db.Create(&destAlloc).Error)
	srcAlloc := models.Allocation{NodeID: node.ID, IP: "10.0.0.1", Port: 25565, ServerID: &server.ID}
	require.NoError(t, db.Create(&srcAlloc).Error)

	require.NoError(t, svc.InitiateTransfer(context.Background(), server, dest.ID, &destAlloc.ID))

	var row models.Server
	require.NoError(t, db.First(&row, server.ID).Error)
	require.NotNil(t, row.Status)
	assert.Equal(t, models.ServerStatusTransferring, *row.Status)
	require.NotNil(t, row.DestinationNodeID)

	require.NoError(t, svc.CompleteTransfer(context.Background(), &row))

	require.NoError(t, db.First(&row, server.ID).Error)
	assert.Equal(t, dest.ID, row.NodeID)
	assert.Nil(t, row.Status)
	assert.Nil(t, row.DestinationNodeID)

	var src models.Allocation
	require.NoError(t, db.First(&src, srcAlloc.ID).Error)
	assert.Nil(t, src.ServerID, "原分配必须释放")

	var dst models.Allocation
	require.NoError(t, db.First(&dst, destAlloc.ID).Error)
	require.NotNil(t, dst.ServerID)
	assert.Equal(t, server.ID, *dst.ServerID)
}

func TestFailTransferClearsBookkeeping(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	svc := newServerService(t, db, &fakeNodeCommander{})

	dest := models.Node{
		Name: "dest-fail", LocationID: node.LocationID, TokenID: "tok-dest-fail",
		Token: "enc", URL: "http://127.0.0.2:8080", Memory: 8192, Disk: 102400,
	}
	require.NoError(t, db.Create(&dest).Error)

	require.NoError(t, svc.InitiateTransfer(context.Background(), server, dest.ID, nil))

	var row models.Server
	require.NoError(t, db.First(&row, server.ID).Error)
	require.NoError(t, svc.FailTransfer(context.Background(), &row))

	require.NoError(t, db.First(&row, server.ID).Error)
	assert.Equal(t, node.ID, row.NodeID, "失败后留在原节点")
	assert.Nil(t, row.Status)
	assert.Nil(t, row.DestinationNodeID)
}

func TestSetSuspendedSyncsNode(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	fake := &fakeNodeCommander{}
	svc := newServerService(t, db, fake)

	require.NoError(t, svc.SetSuspended(context.Background(), server, true))

	var row models.Server
	require.NoError(t, db.First(&row, server.ID).Error)
	assert.True(t, row.Suspended)
	assert.Equal(t, []string{server.UUID}, fake.syncedServers)
}

func TestSyncNodeServersBestEffort(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)
	server := seedServer(t, db, node)
	fake := &fakeNodeCommander{}
	svc := newServerService(t, db, fake)

	failed, err := svc.SyncNodeServers(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{server.UUID}, fake.syncedServers)

	// 节点侧失败只计数，不中断
	fake.syncServerErr = errors.New("agent offline")
	failed, err = svc.SyncNodeServers(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestLookupByShortIDNewestWins(t *testing.T) {
	db := newTestDB(t)
	node := seedNode(t, db)

	owner := models.User{Username: "short-owner", Password: "x", Email: "short@test.local"}
	require.NoError(t, db.Create(&owner).Error)
	egg := models.Egg{Name: "short-egg", DockerImage: "img", Startup: "./run"}
	require.NoError(t, db.Create(&egg).Error)

	// 两台服务器共享同一个短 ID
	uuidA := "aabbccdd-0000-4000-8000-000000000001"
	uuidB := "aabbccdd-0000-4000-8000-000000000002"
	short := models.ShortID(uuidA)
	require.Equal(t, short, models.ShortID(uuidB))

	old := models.Server{UUID: uuidA, UUIDShort: short, Name: "old", NodeID: node.ID, OwnerID: owner.ID, EggID: egg.ID, Memory: 1, Disk: 1}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Model(&old).Update("created_at", time.Now().Add(-time.Hour)).Error)

	newer := models.Server{UUID: uuidB, UUIDShort: short, Name: "newer", NodeID: node.ID, OwnerID: owner.ID, EggID: egg.ID, Memory: 1, Disk: 1}
	require.NoError(t, db.Create(&newer).Error)

	svc := newServerService(t, db, &fakeNodeCommander{})
	found, err := svc.LookupByShortID(short)
	require.NoError(t, err)
	assert.Equal(t, "newer", found.Name)
}
