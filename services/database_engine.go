package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"gamepanel/models"
)

// ErrDatabaseInUse 引擎报告数据库正被占用，非 force 删除时向上
// 抛出这个冲突
var ErrDatabaseInUse = errors.New("数据库正在被使用")

// DatabaseEngine 租户库供给的引擎能力接口：建库建用户、删库删用户、
// 改密码，每种引擎一个实现。标识符在进入这里之前已通过引号字符检查，
// 密码只含随机字母数字
type DatabaseEngine interface {
	CreateUserAndDatabase(ctx context.Context, name, username, password string) error
	DropUserAndDatabase(ctx context.Context, name, username string, force bool) error
	AlterPassword(ctx context.Context, username, password string) error
	Close() error
}

// DatabaseEngineFactory 按主机构建引擎连接
type DatabaseEngineFactory func(host *models.DatabaseHost, secrets *SecretStore) (DatabaseEngine, error)

// NewDatabaseEngine 连接共享数据库主机，主机密码此时才解密
func NewDatabaseEngine(host *models.DatabaseHost, secrets *SecretStore) (DatabaseEngine, error) {
	password, err := secrets.Decrypt(host.Password)
	if err != nil {
		return nil, fmt.Errorf("解密主机密码失败: %w", err)
	}

	switch host.Engine {
	case models.DatabaseEngineMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", host.Username, password, host.Host, host.Port)
		conn, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("连接 MySQL 主机失败: %w", err)
		}
		return &mysqlEngine{conn: conn}, nil
	case models.DatabaseEnginePostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
			host.Host, host.Port, host.Username, password)
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("连接 Postgres 主机失败: %w", err)
		}
		return &postgresEngine{conn: conn}, nil
	default:
		return nil, fmt.Errorf("不支持的数据库引擎: %s", host.Engine)
	}
}

// ───────────────────────── MySQL ─────────────────────────

type mysqlEngine struct {
	conn *sql.DB
}

// CreateUserAndDatabase 在一个 DDL 事务里建用户、建库（固定 utf8mb4
// 排序规则）、授权。任一步失败整体回滚
func (e *mysqlEngine) CreateUserAndDatabase(ctx context.Context, name, username, password string) error {
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}

	stmts := []string{
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'", username, password),
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", name),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%' WITH GRANT OPTION", name, username),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行 DDL 失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交 DDL 事务失败: %w", err)
	}
	return nil
}

func (e *mysqlEngine) DropUserAndDatabase(ctx context.Context, name, username string, force bool) error {
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)); err != nil {
		if !force {
			return fmt.Errorf("删除数据库失败: %w", err)
		}
		log.Printf("⚠️ 删除数据库失败，force 强制继续 [%s]: %v", name, err)
	}
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", username)); err != nil {
		if !force {
			return fmt.Errorf("删除用户失败: %w", err)
		}
		log.Printf("⚠️ 删除用户失败，force 强制继续 [%s]: %v", username, err)
	}
	return nil
}

func (e *mysqlEngine) AlterPassword(ctx context.Context, username, password string) error {
	_, err := e.conn.ExecContext(ctx, fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY '%s'", username, password))
	if err != nil {
		return fmt.Errorf("修改密码失败: %w", err)
	}
	return nil
}

func (e *mysqlEngine) Close() error {
	return e.conn.Close()
}

// ──────────────────────── Postgres ────────────────────────

type postgresEngine struct {
	conn *sql.DB
}

// CreateUserAndDatabase Postgres 的 CREATE USER/CREATE DATABASE 不能
// 出现在事务块里，这几条直接打到主机连接上；失败补偿由调用方通过
// DropUserAndDatabase 走
func (e *postgresEngine) CreateUserAndDatabase(ctx context.Context, name, username, password string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE USER "%s" WITH PASSWORD '%s'`, username, password),
		fmt.Sprintf(`CREATE DATABASE "%s" OWNER "%s"`, name, username),
		fmt.Sprintf(`GRANT ALL PRIVILEGES ON DATABASE "%s" TO "%s"`, name, username),
	}
	for _, stmt := range stmts {
		if _, err := e.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行 DDL 失败: %w", err)
		}
	}
	return nil
}

// DropUserAndDatabase 删库删用户。数据库被占用时（55006）返回
// ErrDatabaseInUse，除非 force
func (e *postgresEngine) DropUserAndDatabase(ctx context.Context, name, username string, force bool) error {
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS "%s"`, name)); err != nil {
		if !force {
			if isDatabaseInUse(err) {
				return ErrDatabaseInUse
			}
			return fmt.Errorf("删除数据库失败: %w", err)
		}
		log.Printf("⚠️ 删除数据库失败，force 强制继续 [%s]: %v", name, err)
	}
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf(`DROP USER IF EXISTS "%s"`, username)); err != nil {
		if !force {
			return fmt.Errorf("删除用户失败: %w", err)
		}
		log.Printf("⚠️ 删除用户失败，force 强制继续 [%s]: %v", username, err)
	}
	return nil
}

func (e *postgresEngine) AlterPassword(ctx context.Context, username, password string) error {
	_, err := e.conn.ExecContext(ctx, fmt.Sprintf(`ALTER USER "%s" WITH PASSWORD '%s'`, username, password))
	if err != nil {
		return fmt.Errorf("修改密码失败: %w", err)
	}
	return nil
}

func (e *postgresEngine) Close() error {
	return e.conn.Close()
}

// isDatabaseInUse pg 错误码 55006 (object_in_use)
func isDatabaseInUse(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == "55006" {
		return true
	}
	return strings.Contains(err.Error(), "is being accessed by other users")
}
