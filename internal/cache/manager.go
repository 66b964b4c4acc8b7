// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// Recorder 接收命中/未命中事件，通常由 metrics.Collector 实现
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Manager 缓存管理器
type Manager struct {
	redis    *redis.Client
	config   Config
	logger   *zap.Logger
	recorder Recorder

	hits   atomic.Uint64
	misses atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		DefaultTTL:          5 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewManager 创建缓存管理器
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// SetRecorder 注册命中率上报目标。非并发安全，初始化阶段调用。
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Get 获取缓存值
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", fmt.Errorf("cache manager is closed")
	}

	val, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		m.misses.Add(1)
		if m.recorder != nil {
			m.recorder.RecordCacheMiss("redis")
		}
		return "", ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("cache get failed: %w", err)
	}

	m.hits.Add(1)
	if m.recorder != nil {
		m.recorder.RecordCacheHit("redis")
	}
	return val, nil
}

// Set 设置缓存值
func (m *Manager) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	err := m.redis.Set(ctx, key, value, ttl).Err()
	if err != nil {
		m.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}

	return nil
}

// GetJSON 获取 JSON 缓存值
func (m *Manager) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}

	return nil
}

// SetJSON 设置 JSON 缓存值
func (m *Manager) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除缓存值
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	if len(keys) == 0 {
		return nil
	}

	err := m.redis.Del(ctx, keys...).Err()
	if err != nil {
		m.logger.Error("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("cache delete failed: %w", err)
	}

	return nil
}

// Exists 检查键是否存在
func (m *Manager) Exists(ctx context.Context, keys ...string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, fmt.Errorf("cache manager is closed")
	}

	count, err := m.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache exists check failed: %w", err)
	}

	return count, nil
}

// Expire 设置键的过期时间
func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	err := m.redis.Expire(ctx, key, ttl).Err()
	if err != nil {
		return fmt.Errorf("cache expire failed: %w", err)
	}

	return nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("closing cache manager")

	return m.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环
func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("cache health check failed", zap.Error(err))
		} else {
			m.logger.Debug("cache health check passed")
		}
		cancel()
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 缓存统计信息
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Keys        int64  `json:"keys"`
	UsedMemory  int64  `json:"used_memory"`
	MaxMemory   int64  `json:"max_memory"`
	Connections int    `json:"connections"`
}

// GetStats 获取缓存统计信息。命中/未命中是本进程视角的计数，
// 键数量与内存来自服务端。
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("cache manager is closed")
	}

	stats := &Stats{
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		Connections: int(m.redis.PoolStats().TotalConns),
	}

	keys, err := m.redis.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis dbsize: %w", err)
	}
	stats.Keys = keys

	// INFO 是尽力而为：部分部署（或测试替身）不提供 memory 段
	if info, err := m.redis.Info(ctx, "memory").Result(); err == nil {
		stats.UsedMemory = parseInfoInt(info, "used_memory")
		stats.MaxMemory = parseInfoInt(info, "maxmemory")
	} else {
		m.logger.Debug("redis info unavailable", zap.Error(err))
	}

	return stats, nil
}

// parseInfoInt 从 INFO 输出中提取一个整数字段，缺失时为 0
func parseInfoInt(info, field string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, field+":"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
