// =============================================================================
// 📦 VisitDesk 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/visitdesk/visitdesk/database"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  database.DefaultConfig(),
		Redis:     DefaultRedisConfig(),
		Auth:      DefaultAuthConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		TTL:          5 * time.Minute,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:   "",
		Issuer:      "visitdesk",
		PasscodeTTL: 24 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "visitdesk",
		SampleRate:   0.1,
	}
}

// TestConfig 返回测试用配置：文件型 SQLite、关闭健康监控、
// 固定签名密钥，适合在临时目录里整套拉起
func TestConfig(dbPath string) *Config {
	cfg := DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Database = dbPath
	cfg.Database.ConnectionLimit = 3
	cfg.Database.HealthEnabled = false
	cfg.Database.Retry = database.TestRetryPolicy()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.PasscodeTTL = time.Hour
	cfg.Log.Level = "error"
	return cfg
}
