package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"

	"gorm.io/gorm"

	"gamepanel/models"
)

// ErrUnsafeDatabaseIdentifier 名称或用户名里含引号字符，拒绝参与
// 任何 DDL
var ErrUnsafeDatabaseIdentifier = errors.New("数据库名称或用户名包含非法字符")

// DatabaseService 租户数据库供给：在共享主机上签发/回收真实凭证
type DatabaseService struct {
	db        *gorm.DB
	secrets   *SecretStore
	listeners *DeleteListenerRegistry
	activity  *ActivityLogger
	engines   DatabaseEngineFactory
}

// NewDatabaseService 创建数据库供给服务
func NewDatabaseService(db *gorm.DB, secrets *SecretStore, listeners *DeleteListenerRegistry, activity *ActivityLogger, engines DatabaseEngineFactory) *DatabaseService {
	if engines == nil {
		engines = NewDatabaseEngine
	}
	return &DatabaseService{
		db:        db,
		secrets:   secrets,
		listeners: listeners,
		activity:  activity,
		engines:   engines,
	}
}

// Create 在主机上建库建用户并落簿记行。schema 名由短 ID 确定性推导，
// 用户名带随机后缀，密码 24 位随机字母数字。DDL 成功后任何失败
// （包括簿记插入失败）都会触发补偿删除。明文密码只在这里返回一次
func (s *DatabaseService) Create(ctx context.Context, server *models.Server, host *models.DatabaseHost, baseName string) (*models.ServerDatabase, string, error) {
	name := fmt.Sprintf("s%x_%s", server.UUIDShort, baseName)
	username := fmt.Sprintf("u%x_%s", server.UUIDShort, randomAlnum(10))

	// 进入任何 DDL 之前先把标识符拦住
	if models.ContainsQuoteCharacter(name) || models.ContainsQuoteCharacter(username) {
		return nil, "", ErrUnsafeDatabaseIdentifier
	}

	password := randomAlnum(24)

	engine, err := s.engines(host, s.secrets)
	if err != nil {
		return nil, "", err
	}
	defer engine.Close()

	if err := engine.CreateUserAndDatabase(ctx, name, username, password); err != nil {
		// MySQL 靠 DDL 事务回滚；Postgres 的语句无法进事务，
		// 这里补一轮尽力而为的清理
		if dropErr := engine.DropUserAndDatabase(ctx, name, username, true); dropErr != nil {
			log.Printf("⚠️ DDL 失败后的补偿清理也失败 [%s]: %v", name, dropErr)
		}
		return nil, "", fmt.Errorf("主机上创建数据库失败: %w", err)
	}

	encrypted, err := s.secrets.Encrypt(password)
	if err != nil {
		s.compensateDrop(ctx, engine, name, username)
		return nil, "", fmt.Errorf("加密密码失败: %w", err)
	}

	row := &models.ServerDatabase{
		ServerID:       server.ID,
		DatabaseHostID: host.ID,
		Name:           name,
		Username:       username,
		Password:       encrypted,
	}
	if err := s.db.Create(row).Error; err != nil {
		// 簿记失败同样不能留下孤儿库
		s.compensateDrop(ctx, engine, name, username)
		return nil, "", fmt.Errorf("保存数据库记录失败: %w", err)
	}

	s.activity.Log("server:database.create", nil, &server.ID, "", map[string]interface{}{
		"database": name,
		"host":     host.Host,
	})

	return row, password, nil
}

// compensateDrop DDL 成功之后的失败补偿：尽力而为、幂等、可安全跳过
func (s *DatabaseService) compensateDrop(ctx context.Context, engine DatabaseEngine, name, username string) {
	if err := engine.DropUserAndDatabase(ctx, name, username, true); err != nil {
		log.Printf("⚠️ 补偿删除数据库失败 [%s]: %v", name, err)
	}
}

// RotatePassword 生成新密码并直接在引擎上修改，成功后持久化密文。
// 明文只返回这一次，之后不可再取
func (s *DatabaseService) RotatePassword(ctx context.Context, sdb *models.ServerDatabase) (string, error) {
	if sdb.HasUnsafeIdentifier() {
		return "", ErrUnsafeDatabaseIdentifier
	}

	var host models.DatabaseHost
	if err := s.db.First(&host, sdb.DatabaseHostID).Error; err != nil {
		return "", fmt.Errorf("查询数据库主机失败: %w", err)
	}

	engine, err := s.engines(&host, s.secrets)
	if err != nil {
		return "", err
	}
	defer engine.Close()

	password := randomAlnum(24)
	if err := engine.AlterPassword(ctx, sdb.Username, password); err != nil {
		return "", err
	}

	encrypted, err := s.secrets.Encrypt(password)
	if err != nil {
		return "", fmt.Errorf("加密密码失败: %w", err)
	}
	if err := s.db.Model(sdb).Update("password", encrypted).Error; err != nil {
		return "", fmt.Errorf("保存新密码失败: %w", err)
	}

	return password, nil
}

// Delete 回收租户数据库：先拦非法标识符，再跑监听器，然后把主机上
// 的库和用户删掉（非 force 时"被占用"作为专门的冲突上抛），最后删
// 簿记行
func (s *DatabaseService) Delete(ctx context.Context, sdb *models.ServerDatabase, opts DeleteOptions) error {
	if sdb.HasUnsafeIdentifier() {
		return ErrUnsafeDatabaseIdentifier
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.deleteInTx(ctx, tx, sdb, opts)
	})
}

// deleteInTx 在已开启的事务里删除数据库；服务器删除复用这条路径
func (s *DatabaseService) deleteInTx(ctx context.Context, tx *gorm.DB, sdb *models.ServerDatabase, opts DeleteOptions) error {
	if sdb.HasUnsafeIdentifier() {
		return ErrUnsafeDatabaseIdentifier
	}

	if err := s.listeners.runDatabaseListeners(ctx, tx, sdb, opts); err != nil {
		return err
	}

	var host models.DatabaseHost
	if err := tx.First(&host, sdb.DatabaseHostID).Error; err != nil {
		if !opts.Force {
			return fmt.Errorf("查询数据库主机失败: %w", err)
		}
		log.Printf("⚠️ 查询数据库主机失败，force 强制继续 [%s]: %v", sdb.Name, err)
	} else {
		engine, err := s.engines(&host, s.secrets)
		if err != nil {
			if !opts.Force {
				return err
			}
			log.Printf("⚠️ 连接数据库主机失败，force 强制继续 [%s]: %v", sdb.Name, err)
		} else {
			defer engine.Close()
			if err := engine.DropUserAndDatabase(ctx, sdb.Name, sdb.Username, opts.Force); err != nil {
				return err
			}
		}
	}

	if err := tx.Delete(sdb).Error; err != nil {
		return fmt.Errorf("删除数据库记录失败: %w", err)
	}
	return nil
}

const alnumCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomAlnum 密码学随机的字母数字串
func randomAlnum(length int) string {
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alnumCharset))))
		if err != nil {
			// crypto/rand 不可用属于环境致命问题
			panic(fmt.Sprintf("随机源不可用: %v", err))
		}
		out[i] = alnumCharset[n.Int64()]
	}
	return string(out)
}
