package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gamepanel/models"
)

const serverUUIDRetries = 8

var (
	// ErrTooManyUUIDCollisions 连续 8 次 UUID 撞车，放弃创建
	ErrTooManyUUIDCollisions = errors.New("生成服务器 UUID 连续冲突")
	// ErrAllocationTaken 分配已被其他服务器占用
	ErrAllocationTaken = errors.New("网络分配已被占用")
	// ErrNodeHasServers 节点上还有服务器，拒绝删除节点
	ErrNodeHasServers = errors.New("节点上仍有服务器")
	// ErrTransferInvalid 迁移目标不合法
	ErrTransferInvalid = errors.New("迁移目标不合法")
)

// CreateServerInput 创建服务器的全部输入
type CreateServerInput struct {
	Name                  string
	NodeID                uint
	OwnerID               uint
	EggID                 uint
	BackupConfigurationID *uint

	AllocationID            *uint
	AdditionalAllocationIDs []uint

	CPU        int64
	Memory     int64
	Swap       int64
	Disk       int64
	IOWeight   int
	PinnedCPUs []string

	Startup string
	// EggVariable.ID -> 取值
	Variables map[uint]string
}

// ServerService 服务器生命周期：创建、删除、迁移、暂停
type ServerService struct {
	db        *gorm.DB
	secrets   *SecretStore
	listeners *DeleteListenerRegistry
	activity  *ActivityLogger
	databases *DatabaseService
	nodes     NodeClientFactory

	// 可注入，测试里用来模拟 UUID 冲突
	newUUID func() string
}

// NewServerService 创建服务器生命周期服务
func NewServerService(db *gorm.DB, secrets *SecretStore, listeners *DeleteListenerRegistry, activity *ActivityLogger, databases *DatabaseService, nodes NodeClientFactory) *ServerService {
	if nodes == nil {
		nodes = func(node *models.Node) NodeCommander {
			return NewNodeClient(node, secrets)
		}
	}
	return &ServerService{
		db:        db,
		secrets:   secrets,
		listeners: listeners,
		activity:  activity,
		databases: databases,
		nodes:     nodes,
		newUUID:   func() string { return uuid.New().String() },
	}
}

// Create 创建服务器。本地事务里反复生成随机 UUID 插入，唯一冲突最多
// 重试 8 次；随后占用分配、绑定变量、提交。提交后再让节点建服务器：
// 远端失败时删掉刚提交的行作为补偿（补偿本身尽力而为，不再套事务），
// 本地与远端状态不会无声分叉
func (s *ServerService) Create(ctx context.Context, input CreateServerInput) (*models.Server, error) {
	var server *models.Server

	err := s.db.Transaction(func(tx *gorm.DB) error {
		created, err := s.insertWithRetry(tx, input)
		if err != nil {
			return err
		}
		server = created

		if input.AllocationID != nil {
			if err := s.claimAllocation(tx, server, *input.AllocationID); err != nil {
				return err
			}
			server.AllocationID = input.AllocationID
			if err := tx.Model(server).Update("allocation_id", *input.AllocationID).Error; err != nil {
				return fmt.Errorf("绑定主分配失败: %w", err)
			}
		}
		for _, id := range input.AdditionalAllocationIDs {
			if err := s.claimAllocation(tx, server, id); err != nil {
				return err
			}
		}

		for variableID, value := range input.Variables {
			v := models.ServerVariable{
				ServerID:      server.ID,
				EggVariableID: variableID,
				Value:         value,
			}
			if err := tx.Create(&v).Error; err != nil {
				return fmt.Errorf("绑定启动变量失败: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// 本地已提交，下发到节点
	var node models.Node
	if err := s.db.First(&node, server.NodeID).Error; err != nil {
		s.compensateCreate(server)
		return nil, fmt.Errorf("查询节点失败: %w", err)
	}

	err = s.nodes(&node).CreateServer(ctx, &NodeCreateServerRequest{
		UUID:              server.UUID,
		StartOnCompletion: false,
		Settings: map[string]interface{}{
			"name":    server.Name,
			"startup": server.Startup,
			"limits": map[string]interface{}{
				"cpu":    server.CPU,
				"memory": server.Memory,
				"swap":   server.Swap,
				"disk":   server.Disk,
			},
		},
	})
	if err != nil {
		s.compensateCreate(server)
		return nil, fmt.Errorf("节点创建服务器失败: %w", err)
	}

	s.activity.Log("server:create", &server.OwnerID, &server.ID, "", map[string]interface{}{
		"uuid": server.UUID,
		"node": server.NodeID,
	})

	return server, nil
}

// insertWithRetry 随机 UUID 插入，唯一冲突重试
func (s *ServerService) insertWithRetry(tx *gorm.DB, input CreateServerInput) (*models.Server, error) {
	status := models.ServerStatusInstalling
	for attempt := 0; attempt < serverUUIDRetries; attempt++ {
		full := s.newUUID()
		server := &models.Server{
			UUID:                  full,
			UUIDShort:             models.ShortID(full),
			Name:                  input.Name,
			NodeID:                input.NodeID,
			OwnerID:               input.OwnerID,
			EggID:                 input.EggID,
			BackupConfigurationID: input.BackupConfigurationID,
			CPU:                   input.CPU,
			Memory:                input.Memory,
			Swap:                  input.Swap,
			Disk:                  input.Disk,
			IOWeight:              input.IOWeight,
			PinnedCPUs:            input.PinnedCPUs,
			Startup:               input.Startup,
			Status:                &status,
		}
		err := tx.Create(server).Error
		if err == nil {
			return server, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("创建服务器记录失败: %w", err)
		}
	}
	return nil, ErrTooManyUUIDCollisions
}

// claimAllocation 占用一个空闲分配；已被占用时报冲突
func (s *ServerService) claimAllocation(tx *gorm.DB, server *models.Server, allocationID uint) error {
	result := tx.Model(&models.Allocation{}).
		Where("id = ? AND node_id = ? AND server_id IS NULL", allocationID, server.NodeID).
		Update("server_id", server.ID)
	if result.Error != nil {
		return fmt.Errorf("占用分配失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAllocationTaken
	}
	return nil
}

// compensateCreate 远端创建失败后的补偿：释放分配、清掉变量、
// 物理删除刚提交的行。尽力而为，失败只记日志
func (s *ServerService) compensateCreate(server *models.Server) {
	if err := s.db.Model(&models.Allocation{}).Where("server_id = ?", server.ID).Update("server_id", nil).Error; err != nil {
		log.Printf("⚠️ 补偿释放分配失败 [%s]: %v", server.UUID, err)
	}
	if err := s.db.Where("server_id = ?", server.ID).Delete(&models.ServerVariable{}).Error; err != nil {
		log.Printf("⚠️ 补偿删除变量失败 [%s]: %v", server.UUID, err)
	}
	if err := s.db.Unscoped().Delete(server).Error; err != nil {
		log.Printf("⚠️ 补偿删除服务器记录失败 [%s]: %v", server.UUID, err)
	}
}

// Delete 删除服务器。先取节点和全部租户数据库；事务里依次跑删除
// 监听器（任一失败整体中止）、逐个删租户数据库（各自带补偿，首个
// 失败即中止，除非 force）、删服务器行并释放分配，最后在事务窗口内
// 调节点删除 API——远端 404 视为已删。本地行的移除以远端成功为前提
// （提交只发生在远端成功后），这是刻意的一致性取舍而非性能问题；
// force 把远端失败降级为记日志继续
func (s *ServerService) Delete(ctx context.Context, server *models.Server, opts DeleteOptions) error {
	var node models.Node
	nodeErr := s.db.First(&node, server.NodeID).Error

	var databases []models.ServerDatabase
	if err := s.db.Where("server_id = ?", server.ID).Find(&databases).Error; err != nil {
		return fmt.Errorf("查询服务器数据库失败: %w", err)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.listeners.runServerListeners(ctx, tx, server, opts); err != nil {
			return err
		}

		for i := range databases {
			if err := s.databases.deleteInTx(ctx, tx, &databases[i], opts); err != nil {
				if !opts.Force {
					return err
				}
				log.Printf("⚠️ 删除租户数据库失败，force 强制继续 [%s]: %v", databases[i].Name, err)
			}
		}

		if err := tx.Model(&models.Allocation{}).Where("server_id = ?", server.ID).Update("server_id", nil).Error; err != nil {
			return fmt.Errorf("释放分配失败: %w", err)
		}
		if err := tx.Where("server_id = ?", server.ID).Delete(&models.ServerVariable{}).Error; err != nil {
			return fmt.Errorf("删除变量失败: %w", err)
		}
		if err := tx.Where("server_id = ?", server.ID).Delete(&models.Subuser{}).Error; err != nil {
			return fmt.Errorf("删除子用户失败: %w", err)
		}
		// 备份行脱离服务器，保留为历史
		if err := tx.Model(&models.ServerBackup{}).Where("server_id = ?", server.ID).Update("server_id", nil).Error; err != nil {
			return fmt.Errorf("脱离备份记录失败: %w", err)
		}
		if err := tx.Delete(server).Error; err != nil {
			return fmt.Errorf("删除服务器记录失败: %w", err)
		}

		if nodeErr != nil {
			if !opts.Force {
				return fmt.Errorf("查询节点失败: %w", nodeErr)
			}
			log.Printf("⚠️ 查询节点失败，force 强制继续 [%s]: %v", server.UUID, nodeErr)
			return nil
		}
		if err := s.nodes(&node).DeleteServer(ctx, server.UUID); err != nil {
			if !opts.Force {
				return fmt.Errorf("节点删除服务器失败: %w", err)
			}
			log.Printf("⚠️ 节点删除服务器失败，force 强制继续 [%s]: %v", server.UUID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.activity.Log("server:delete", nil, &server.ID, "", map[string]interface{}{
		"uuid":  server.UUID,
		"force": opts.Force,
	})
	return nil
}

// InitiateTransfer 开始把服务器迁到另一个节点：校验目标并记下
// 目标节点/分配，状态打上 transferring
func (s *ServerService) InitiateTransfer(ctx context.Context, server *models.Server, destNodeID uint, destAllocationID *uint) error {
	if destNodeID == server.NodeID {
		return ErrTransferInvalid
	}
	var dest models.Node
	if err := s.db.First(&dest, destNodeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTransferInvalid
		}
		return fmt.Errorf("查询目标节点失败: %w", err)
	}
	if destAllocationID != nil {
		var alloc models.Allocation
		if err := s.db.First(&alloc, *destAllocationID).Error; err != nil {
			return fmt.Errorf("查询目标分配失败: %w", err)
		}
		if alloc.NodeID != destNodeID || alloc.ServerID != nil {
			return ErrTransferInvalid
		}
	}

	status := models.ServerStatusTransferring
	return s.db.Model(server).Updates(map[string]interface{}{
		"status":                    &status,
		"destination_node_id":       destNodeID,
		"destination_allocation_id": destAllocationID,
	}).Error
}

// CompleteTransfer 迁移成功：换节点、换分配、清掉迁移簿记
func (s *ServerService) CompleteTransfer(ctx context.Context, server *models.Server) error {
	if server.DestinationNodeID == nil {
		return ErrTransferInvalid
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Allocation{}).Where("server_id = ?", server.ID).Update("server_id", nil).Error; err != nil {
			return fmt.Errorf("释放原分配失败: %w", err)
		}
		if server.DestinationAllocationID != nil {
			result := tx.Model(&models.Allocation{}).
				Where("id = ? AND server_id IS NULL", *server.DestinationAllocationID).
				Update("server_id", server.ID)
			if result.Error != nil {
				return fmt.Errorf("占用目标分配失败: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrAllocationTaken
			}
		}
		return tx.Model(server).Updates(map[string]interface{}{
			"node_id":                   *server.DestinationNodeID,
			"allocation_id":             server.DestinationAllocationID,
			"destination_node_id":       nil,
			"destination_allocation_id": nil,
			"status":                    nil,
		}).Error
	})
}

// FailTransfer 迁移失败：清掉迁移簿记，服务器留在原节点
func (s *ServerService) FailTransfer(ctx context.Context, server *models.Server) error {
	return s.db.Model(server).Updates(map[string]interface{}{
		"destination_node_id":       nil,
		"destination_allocation_id": nil,
		"status":                    nil,
	}).Error
}

// SetSuspended 暂停/恢复服务器并把配置同步到节点
func (s *ServerService) SetSuspended(ctx context.Context, server *models.Server, suspended bool) error {
	if err := s.db.Model(server).Update("suspended", suspended).Error; err != nil {
		return fmt.Errorf("更新暂停状态失败: %w", err)
	}

	var node models.Node
	if err := s.db.First(&node, server.NodeID).Error; err != nil {
		return fmt.Errorf("查询节点失败: %w", err)
	}
	return s.nodes(&node).SyncServer(ctx, server.UUID)
}

// SyncNodeServers 把节点上全部服务器的配置重新推送一遍。
// 逐台尽力而为，失败只记日志，最后返回失败数量
func (s *ServerService) SyncNodeServers(ctx context.Context, node *models.Node) (int, error) {
	var servers []models.Server
	if err := s.db.Where("node_id = ?", node.ID).Find(&servers).Error; err != nil {
		return 0, fmt.Errorf("查询节点服务器失败: %w", err)
	}

	client := s.nodes(node)
	failed := 0
	for i := range servers {
		if err := client.SyncServer(ctx, servers[i].UUID); err != nil {
			log.Printf("⚠️ 同步服务器 %s 到节点 %s 失败: %v", servers[i].UUID, node.Name, err)
			failed++
		}
	}
	return failed, nil
}

// LookupByShortID 按短 ID 查服务器。短 ID 不保证唯一，
// 撞车时最近创建的记录优先
func (s *ServerService) LookupByShortID(short uint32) (*models.Server, error) {
	var server models.Server
	err := s.db.Where("uuid_short = ?", short).Order("created_at desc").First(&server).Error
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// isUniqueViolation 判断唯一约束冲突，兼容各方言的报错文本
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
