package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// 🗄️ 连接管理器
// =============================================================================

// Config 数据库连接配置
type Config struct {
	// 驱动: mysql 或 sqlite（降级方案）
	Driver string `yaml:"driver" json:"driver"`

	// 主机
	Host string `yaml:"host" json:"host"`
	// 端口
	Port int `yaml:"port" json:"port"`
	// 用户名
	User string `yaml:"user" json:"user"`
	// 密码
	Password string `yaml:"password" json:"password"`
	// 数据库名（sqlite 时为文件路径）
	Database string `yaml:"database" json:"database"`

	// 连接池上限
	ConnectionLimit int `yaml:"connection_limit" json:"connection_limit"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	// 借出连接的等待上限
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	// 字符集
	Charset string `yaml:"charset" json:"charset"`
	// 时区
	Timezone string `yaml:"timezone" json:"timezone"`
	// 是否启用 TLS
	SSL bool `yaml:"ssl" json:"ssl"`

	// 是否启用健康监控
	HealthEnabled bool `yaml:"health_enabled" json:"health_enabled"`
	// 健康监控配置
	Health MonitorConfig `yaml:"health" json:"health"`

	// 查询重试策略
	Retry RetryPolicy `yaml:"retry" json:"retry"`

	// 事务配置
	Transaction TxOptions `yaml:"transaction" json:"transaction"`

	// 整池重建的尝试上限（独立于监控器自身的计数，
	// 重建采用更粗粒度的指数退避）
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	// 整池重建的基础退避
	RebuildBaseDelay time.Duration `yaml:"rebuild_base_delay" json:"rebuild_base_delay"`
	// 整池重建的退避上限
	RebuildMaxDelay time.Duration `yaml:"rebuild_max_delay" json:"rebuild_max_delay"`
}

// DefaultConfig 返回默认数据库配置
func DefaultConfig() Config {
	return Config{
		Driver:               "mysql",
		Host:                 "localhost",
		Port:                 3306,
		User:                 "root",
		Database:             "visitdesk",
		ConnectionLimit:      20,
		MaxIdleConns:         5,
		ConnMaxLifetime:      time.Hour,
		AcquireTimeout:       10 * time.Second,
		Charset:              "utf8mb4",
		Timezone:             "Local",
		HealthEnabled:        true,
		Health:               DefaultMonitorConfig(),
		Retry:                DefaultRetryPolicy(),
		Transaction:          DefaultTxOptions(),
		MaxReconnectAttempts: 5,
		RebuildBaseDelay:     5 * time.Second,
		RebuildMaxDelay:      time.Minute,
	}
}

// DSN 返回驱动连接字符串
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
		mc.DBName = c.Database
		mc.ParseTime = true
		mc.Timeout = c.AcquireTimeout
		if c.Charset != "" {
			mc.Params = map[string]string{"charset": c.Charset}
		}
		if c.Timezone != "" {
			loc, err := time.LoadLocation(c.Timezone)
			if err != nil {
				return "", fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
			}
			mc.Loc = loc
		}
		if c.SSL {
			mc.TLSConfig = "true"
		}
		return mc.FormatDSN(), nil
	case "sqlite":
		if c.Database == "" {
			return ":memory:", nil
		}
		return c.Database, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", c.Driver)
	}
}

// PoolStatistics 连接池累计计数快照。除显式 Reset 外单调不减；
// QueuedRequests 为即时值（当前正在等待借出的调用方数量）。
type PoolStatistics struct {
	Created        int64 `json:"created"`
	Acquired       int64 `json:"acquired"`
	Released       int64 `json:"released"`
	Destroyed      int64 `json:"destroyed"`
	Timeouts       int64 `json:"timeouts"`
	Errors         int64 `json:"errors"`
	QueuedRequests int64 `json:"queued_requests"`
}

// Status 供健康检查端点使用的统一读模型
type Status struct {
	Name              string         `json:"name"`
	Destroyed         bool           `json:"destroyed"`
	Health            Health         `json:"health"`
	Pool              PoolStatistics `json:"pool"`
	Monitor           MonitorStats   `json:"monitor"`
	Retry             RetryStats     `json:"retry"`
	RecentErrors      []*ConnError   `json:"recent_errors"`
	ReconnectAttempts int64          `json:"reconnect_attempts"`
}

// Manager 顶层门面：创建连接池、接驳健康监控与重连编排，
// 对外暴露 Query/Exec/Transaction/GetStatus
type Manager struct {
	name   string
	config Config
	logger *zap.Logger
	events *observers
	retry  *RetryExecutor
	tracer trace.Tracer

	mu        sync.RWMutex
	db        *sql.DB
	monitor   *HealthMonitor
	destroyed bool

	// 层级计数器（连接的借出/归还由本层拥有）
	acquired atomic.Int64
	released atomic.Int64
	timeouts atomic.Int64
	errCount atomic.Int64
	queued   atomic.Int64

	// 跨池重建累计的创建/销毁基数与单调水位
	statsMu       sync.Mutex
	baseCreated   int64
	baseDestroyed int64
	createdMark   int64

	reconnects atomic.Int64
	rebuild    singleflight.Group
}

// NewManager 创建连接管理器（尚未建池，调用 Initialize）
func NewManager(name string, config Config, logger *zap.Logger) *Manager {
	return &Manager{
		name:   name,
		config: config,
		logger: logger.With(zap.String("component", "db_manager"), zap.String("manager", name)),
		events: newObservers(),
		retry:  NewRetryExecutor(logger),
		tracer: otel.Tracer("visitdesk/database"),
	}
}

// Subscribe 注册观察者，返回取消函数。监控器的通知会经由管理器转发。
func (m *Manager) Subscribe(obs Observer) func() {
	return m.events.subscribe(obs)
}

// RetryExecutor 暴露内部重试执行器，供同一管理器下的协作方复用
func (m *Manager) RetryExecutor() *RetryExecutor { return m.retry }

// =============================================================================
// 🎯 初始化与销毁
// =============================================================================

// Initialize 建池并做一次存活检查，随后（若启用）在同一个池上
// 启动健康监控。任一步失败即快速失败。
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrManagerDestroyed
	}
	if m.db != nil {
		m.mu.Unlock()
		return fmt.Errorf("manager %q already initialized", m.name)
	}

	db, err := m.openPool(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.db = db
	m.mu.Unlock()

	// 监控器的首次同步探测会经由 Probe 回进管理器，不能持锁启动
	if m.config.HealthEnabled {
		monitor := NewHealthMonitor(m.name, m.config.Health, m.retry, m.logger)
		monitor.Subscribe(&managerObserver{m: m})
		if err := monitor.Start(m); err != nil {
			m.mu.Lock()
			m.db = nil
			m.mu.Unlock()
			db.Close()
			return err
		}
		m.mu.Lock()
		m.monitor = monitor
		m.mu.Unlock()
	}

	m.logger.Info("connection manager initialized",
		zap.String("driver", m.config.Driver),
		zap.Int("connection_limit", m.config.ConnectionLimit),
		zap.Bool("health_enabled", m.config.HealthEnabled),
	)
	m.events.each(func(o Observer) { o.OnConnected(m.name) })
	return nil
}

// openPool 建池 + 存活检查，失败时关闭半成品
func (m *Manager) openPool(ctx context.Context) (*sql.DB, error) {
	dsn, err := m.config.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(m.config.Driver, dsn)
	if err != nil {
		return nil, Classify(err)
	}

	db.SetMaxOpenConns(m.config.ConnectionLimit)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)

	pingCtx := ctx
	if m.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, m.config.AcquireTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, Classify(err)
	}
	return db, nil
}

// Destroy 停止监控、排空并关闭池。幂等；销毁后的调用返回
// ErrManagerDestroyed 而不是静默忽略。
func (m *Manager) Destroy() error {
	// 先停监控：Stop 会进入监控器自己的锁，而监控器采集池统计时
	// 会反向进入 m.mu，持有 m.mu 调用 Stop 会形成锁环
	m.mu.RLock()
	monitor := m.monitor
	destroyed := m.destroyed
	m.mu.RUnlock()
	if destroyed {
		return nil
	}
	if monitor != nil {
		monitor.Stop()
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true

	var err error
	if m.db != nil {
		m.accumulateBaseLocked()
		err = m.db.Close()
		m.db = nil
	}
	m.mu.Unlock()

	m.logger.Info("connection manager destroyed")
	m.events.each(func(o Observer) { o.OnDisconnected(m.name, "destroyed") })
	return err
}

// =============================================================================
// 🔌 连接借出（作用域化，保证所有退出路径都归还）
// =============================================================================

// withConn 借出一个独占连接执行 fn，无论成功、出错还是超时都会归还。
// 借出期间没有其他调用方会在同一物理连接上并发执行。
func (m *Manager) withConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	m.mu.RLock()
	db := m.db
	destroyed := m.destroyed
	m.mu.RUnlock()

	if destroyed {
		return ErrManagerDestroyed
	}
	if db == nil {
		return ErrPoolClosed
	}

	acquireCtx := ctx
	if m.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.config.AcquireTimeout)
		defer cancel()
	}

	m.queued.Add(1)
	conn, err := db.Conn(acquireCtx)
	m.queued.Add(-1)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.timeouts.Add(1)
		}
		m.errCount.Add(1)
		return Classify(err)
	}
	m.acquired.Add(1)

	defer func() {
		conn.Close()
		m.released.Add(1)
	}()

	if err := fn(ctx, conn); err != nil {
		m.errCount.Add(1)
		return err
	}
	return nil
}

// Probe 实现 ProbeTarget：借出连接、ping、归还，
// 与业务查询在同一借出/归还纪律下公平竞争
func (m *Manager) Probe(ctx context.Context) error {
	return m.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

// Pool 返回当前底层连接池，供 ORM 等需要原生句柄的协作方使用。
// 池重建后句柄会失效，持有方应订阅 OnReconnectSuccess 换取新句柄。
func (m *Manager) Pool() (*sql.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return nil, ErrManagerDestroyed
	}
	if m.db == nil {
		return nil, ErrPoolClosed
	}
	return m.db, nil
}

// PoolStats 实现 ProbeTarget
func (m *Manager) PoolStats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return sql.DBStats{}
	}
	return m.db.Stats()
}

// =============================================================================
// 📝 查询
// =============================================================================

// Query 借出连接执行读查询并归还，行集物化为 map 切片返回。
// 瞬态错误按配置的重试策略退避重试。
func (m *Manager) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	ctx, span := m.tracer.Start(ctx, "db.query",
		trace.WithAttributes(attribute.String("db.manager", m.name)))
	defer span.End()

	var result []map[string]any
	err := m.retry.Execute(ctx, "query", m.config.Retry, func(ctx context.Context) error {
		return m.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			rows, err := conn.QueryContext(ctx, query, args...)
			if err != nil {
				return Classify(err)
			}
			defer rows.Close()

			result, err = scanRows(rows)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// Exec 借出连接执行写语句并归还
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := m.tracer.Start(ctx, "db.exec",
		trace.WithAttributes(attribute.String("db.manager", m.name)))
	defer span.End()

	var result sql.Result
	err := m.retry.Execute(ctx, "exec", m.config.Retry, func(ctx context.Context) error {
		return m.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			var execErr error
			result, execErr = conn.ExecContext(ctx, query, args...)
			if execErr != nil {
				return Classify(execErr)
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// scanRows 把行集物化为 map 切片，[]byte 转为 string
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, Classify(err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Classify(err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TxFunc 事务函数类型
type TxFunc func(tx *TxCoordinator) error

// Transaction 借出连接、构造协调器、Begin，执行 fn；成功则 Commit，
// fn 报错则尽力 Rollback 后把错误原样抛回。协调器的
// “语句失败不隐式回滚”契约在这里收尾。连接在 commit/rollback
// 完成后才归还。
func (m *Manager) Transaction(ctx context.Context, fn TxFunc) error {
	ctx, span := m.tracer.Start(ctx, "db.transaction",
		trace.WithAttributes(attribute.String("db.manager", m.name)))
	defer span.End()

	err := m.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		coord := NewTxCoordinator(conn, m.config.Transaction, m.logger)
		if err := coord.Begin(ctx); err != nil {
			return err
		}

		if err := fn(coord); err != nil {
			return m.finishFailed(ctx, coord, err)
		}
		return coord.Commit(ctx)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// finishFailed 在 fn 报错后收尾。回滚前先确认协调器仍可回滚：
// 超时可能已经把它滚掉，此时跳过第二次回滚，把终态信息并入错误。
// 回滚自身失败时两个错误一起浮出，不吞掉任何一个。
func (m *Manager) finishFailed(ctx context.Context, coord *TxCoordinator, cause error) error {
	switch coord.State() {
	case TxActive, TxFailed:
		if rbErr := coord.Rollback(ctx); rbErr != nil {
			return errors.Join(cause, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return cause
	default:
		return errors.Join(cause, fmt.Errorf("rollback skipped: %w", ErrTxFinished))
	}
}

// =============================================================================
// 📊 状态读取
// =============================================================================

// GetStatus 合并健康快照、池统计、近期错误与重连计数。
// 永不失败：数据库不可达时返回 disconnected 快照，
// 保证健康检查端点始终可查。
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	monitor := m.monitor
	destroyed := m.destroyed
	m.mu.RUnlock()

	status := Status{
		Name:              m.name,
		Destroyed:         destroyed,
		Pool:              m.Statistics(),
		Retry:             m.retry.Stats(),
		Health:            Health{Status: StatusDisconnected},
		ReconnectAttempts: m.reconnects.Load(),
	}

	if monitor != nil {
		status.Health = monitor.GetHealth()
		status.Monitor = monitor.GetStatistics()
		status.RecentErrors = monitor.GetErrorHistory()
	}
	return status
}

// Statistics 返回池累计计数快照
func (m *Manager) Statistics() PoolStatistics {
	stats := m.PoolStats()
	closed := stats.MaxIdleClosed + stats.MaxIdleTimeClosed + stats.MaxLifetimeClosed

	m.statsMu.Lock()
	created := m.baseCreated + closed + int64(stats.OpenConnections)
	if created < m.createdMark {
		created = m.createdMark
	}
	m.createdMark = created
	destroyed := m.baseDestroyed + closed
	m.statsMu.Unlock()

	return PoolStatistics{
		Created:        created,
		Acquired:       m.acquired.Load(),
		Released:       m.released.Load(),
		Destroyed:      destroyed,
		Timeouts:       m.timeouts.Load(),
		Errors:         m.errCount.Load(),
		QueuedRequests: m.queued.Load(),
	}
}

// ResetStatistics 显式清零累计计数
func (m *Manager) ResetStatistics() {
	m.acquired.Store(0)
	m.released.Store(0)
	m.timeouts.Store(0)
	m.errCount.Store(0)
	m.statsMu.Lock()
	m.baseCreated = 0
	m.baseDestroyed = 0
	m.createdMark = 0
	m.statsMu.Unlock()
	m.retry.ResetStats()
}

// accumulateBaseLocked 池即将关闭时把当前池的创建/销毁数滚入基数。
// 必须在持有 m.mu 时调用。
func (m *Manager) accumulateBaseLocked() {
	if m.db == nil {
		return
	}
	stats := m.db.Stats()
	closed := stats.MaxIdleClosed + stats.MaxIdleTimeClosed + stats.MaxLifetimeClosed
	m.statsMu.Lock()
	m.baseCreated += closed + int64(stats.OpenConnections)
	m.baseDestroyed += closed + int64(stats.OpenConnections)
	m.statsMu.Unlock()
}

// =============================================================================
// 🔄 重连编排
// =============================================================================

// managerObserver 把监控器的通知转发给管理器的订阅者，
// 并在 critical 时触发重连编排
type managerObserver struct {
	NopObserver
	m *Manager
}

func (o *managerObserver) OnHealthCritical(name string, consecutiveErrors int, lastErr error) {
	o.m.events.each(func(obs Observer) { obs.OnHealthCritical(name, consecutiveErrors, lastErr) })
	go o.m.handleCritical()
}

func (o *managerObserver) OnHealthRecovered(name string) {
	o.m.events.each(func(obs Observer) { obs.OnHealthRecovered(name) })
}

func (o *managerObserver) OnReconnectAttempt(name string, attempt, maxAttempts int) {
	o.m.events.each(func(obs Observer) { obs.OnReconnectAttempt(name, attempt, maxAttempts) })
}

func (o *managerObserver) OnReconnectSuccess(name string, attempts int) {
	o.m.events.each(func(obs Observer) { obs.OnReconnectSuccess(name, attempts) })
}

func (o *managerObserver) OnReconnectFailed(name string, attempts int, lastErr error) {
	o.m.events.each(func(obs Observer) { obs.OnReconnectFailed(name, attempts, lastErr) })
}

func (o *managerObserver) OnSlowOperation(name, operation string, took, threshold time.Duration) {
	o.m.events.each(func(obs Observer) { obs.OnSlowOperation(name, operation, took, threshold) })
}

func (o *managerObserver) OnErrorRecorded(name string, connErr *ConnError) {
	o.m.events.each(func(obs Observer) { obs.OnErrorRecorded(name, connErr) })
}

func (o *managerObserver) OnConnected(name string) {
	o.m.events.each(func(obs Observer) { obs.OnConnected(name) })
}

func (o *managerObserver) OnDisconnected(name, reason string) {
	o.m.events.each(func(obs Observer) { obs.OnDisconnected(name, reason) })
}

// handleCritical 两级重连：监控器先在现有池上做固定间隔重试
// （单个坏连接重试成本低）；仍失败说明服务端系统性不可达，
// 再以更粗的退避重建整个池，而不是对着注定失败的探测死磕。
// singleflight 保证任一时刻只有一轮重连在进行。
func (m *Manager) handleCritical() {
	m.rebuild.Do("reconnect", func() (any, error) {
		ctx := context.Background()

		m.mu.RLock()
		monitor := m.monitor
		destroyed := m.destroyed
		m.mu.RUnlock()
		if destroyed || monitor == nil {
			return nil, nil
		}

		if err := monitor.Reconnect(ctx); err == nil {
			return nil, nil
		}

		policy := RetryPolicy{
			MaxAttempts: m.config.MaxReconnectAttempts,
			BaseDelay:   m.config.RebuildBaseDelay,
			MaxDelay:    m.config.RebuildMaxDelay,
			Predicate:   func(err error) bool { return !IsFatal(err) },
		}

		err := m.retry.Execute(ctx, "pool_rebuild", policy, func(ctx context.Context) error {
			return m.rebuildPool(ctx)
		})
		if err != nil {
			m.logger.Error("pool rebuild exhausted, manual intervention required", zap.Error(err))
			m.events.each(func(o Observer) {
				o.OnDisconnected(m.name, "pool rebuild exhausted")
			})
		}
		return nil, err
	})
}

// rebuildPool 拆掉整个池重建，并在新池上重启监控器
func (m *Manager) rebuildPool(ctx context.Context) error {
	m.reconnects.Add(1)
	m.logger.Warn("rebuilding connection pool",
		zap.Int64("rebuild_attempts", m.reconnects.Load()),
	)

	db, err := m.openPool(ctx)
	if err != nil {
		return err
	}

	// 与 Destroy 相同的顺序约束：停监控必须在取 m.mu 之前
	m.mu.RLock()
	monitor := m.monitor
	m.mu.RUnlock()
	if monitor != nil {
		monitor.Stop()
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		db.Close()
		return ErrManagerDestroyed
	}
	if m.db != nil {
		m.accumulateBaseLocked()
		m.db.Close()
	}
	m.db = db
	m.mu.Unlock()

	if monitor != nil {
		if err := monitor.Start(m); err != nil {
			return err
		}
	}

	m.logger.Info("connection pool rebuilt")
	m.events.each(func(o Observer) {
		o.OnReconnectSuccess(m.name, int(m.reconnects.Load()))
	})
	return nil
}
