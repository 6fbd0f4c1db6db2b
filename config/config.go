package config

import (
	"log"
	"os"
)

type Config struct {
	ServerPort string
	JWTSecret  string
	DBPath     string
	// AppKey 是静态加密密钥的来源，节点令牌、数据库密码、
	// 备份凭证的加解密密钥都由它派生
	AppKey string
}

var config *Config

// GetConfig 获取配置
func GetConfig() *Config {
	if config == nil {
		config = &Config{
			ServerPort: getEnv("SERVER_PORT", "3001"),
			JWTSecret:  getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			// 使用绝对路径，方便 Docker 挂载
			DBPath: getEnv("DB_PATH", "/app/data/panel.db"),
			AppKey: os.Getenv("APP_KEY"),
		}

		// 打印配置信息（不包含 AppKey 等敏感信息）
		log.Printf("Config loaded - ServerPort: %s, DBPath: %s", config.ServerPort, config.DBPath)
	}
	return config
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
