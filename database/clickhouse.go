package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"gamepanel/config"
)

var CHConn driver.Conn

// InitClickHouse 初始化 ClickHouse 连接（可选的高容量审计事件存储）
func InitClickHouse() {
	cfg := config.GetClickHouseConfig()
	if !cfg.Enabled {
		return
	}

	log.Printf("🔗 正在连接 ClickHouse: %s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})

	if err != nil {
		log.Fatal("❌ 连接 ClickHouse 失败:", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		log.Fatal("❌ Ping ClickHouse 失败:", err)
	}

	if err := createActivityTable(ctx, conn); err != nil {
		conn.Close()
		log.Fatal("❌ 创建表失败:", err)
	}

	CHConn = conn
	log.Printf("✅ ClickHouse 初始化完成 - 数据库: %s", cfg.Database)
}

// createActivityTable 创建审计事件表
func createActivityTable(ctx context.Context, conn driver.Conn) error {
	createTableSQL := `
    CREATE TABLE IF NOT EXISTS activity_log (
        timestamp DateTime64(3) COMMENT '事件时间（毫秒精度）',
        date Date DEFAULT toDate(timestamp) COMMENT '日期（用于分区）',
        event String COMMENT '事件名',
        user_id UInt32 COMMENT '触发用户，0 表示系统',
        server_id UInt32 COMMENT '关联服务器，0 表示无',
        ip String COMMENT '来源IP',
        metadata String COMMENT '事件元数据(JSON)'
    ) ENGINE = MergeTree()
    PARTITION BY toYYYYMM(date)
    ORDER BY (date, event, timestamp)
    TTL date + INTERVAL 90 DAY
    SETTINGS index_granularity = 8192
    COMMENT '面板审计事件表'
    `

	if err := conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("创建 activity_log 表失败: %w", err)
	}

	return nil
}

// CloseClickHouse 关闭连接
func CloseClickHouse() {
	if CHConn != nil {
		CHConn.Close()
		log.Println("✅ ClickHouse 连接已关闭")
	}
}

// CheckClickHouseHealth 健康检查
func CheckClickHouseHealth() error {
	if CHConn == nil {
		return fmt.Errorf("ClickHouse 连接未初始化")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := CHConn.Ping(ctx); err != nil {
		return fmt.Errorf("ClickHouse 健康检查失败: %w", err)
	}

	return nil
}
