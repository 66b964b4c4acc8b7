package database

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// 🏥 连接健康监控器
// =============================================================================

// HealthStatus 连接健康状态
type HealthStatus string

const (
	StatusDisconnected HealthStatus = "disconnected"
	StatusConnecting   HealthStatus = "connecting"
	StatusConnected    HealthStatus = "connected"
	StatusError        HealthStatus = "error"
	StatusReconnecting HealthStatus = "reconnecting"
)

// Health 健康快照，由监控器在每次探测后更新
type Health struct {
	Status            HealthStatus  `json:"status"`
	LastCheck         time.Time     `json:"last_check"`
	LastResponseTime  time.Duration `json:"last_response_time"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Uptime            time.Duration `json:"uptime"`
	TotalConnections  int           `json:"total_connections"`
	ActiveConnections int           `json:"active_connections"`
	QueuedConnections int64         `json:"queued_connections"`
	LastError         string        `json:"last_error,omitempty"`
}

// MonitorStats 探测统计
type MonitorStats struct {
	TotalProbes   int64 `json:"total_probes"`
	FailedProbes  int64 `json:"failed_probes"`
	SkippedProbes int64 `json:"skipped_probes"`
	SlowProbes    int64 `json:"slow_probes"`
}

// MonitorConfig 监控器配置
type MonitorConfig struct {
	// 探测间隔
	Interval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 单次探测超时（超时计为失败，不悬挂）
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// 连续失败多少次后触发 critical
	MaxErrorCount int `yaml:"max_error_count" json:"max_error_count"`

	// 重连尝试之间的固定延迟
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// 重连尝试上限
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// 慢探测阈值
	SlowThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`

	// 错误历史容量（超出后淘汰最旧条目）
	ErrorHistorySize int `yaml:"error_history_size" json:"error_history_size"`
}

// DefaultMonitorConfig 返回默认监控配置
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             30 * time.Second,
		ProbeTimeout:         5 * time.Second,
		MaxErrorCount:        5,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 10,
		SlowThreshold:        time.Second,
		ErrorHistorySize:     64,
	}
}

// ProbeTarget 被监控的连接池句柄
type ProbeTarget interface {
	// Probe 借出一个连接、发送存活指令并归还
	Probe(ctx context.Context) error
	// PoolStats 返回底层连接池的即时统计
	PoolStats() sql.DBStats
}

// HealthMonitor 周期性探测连接池，维护健康快照与错误历史，
// 并通过 Observer 发出状态变化通知
type HealthMonitor struct {
	name   string
	config MonitorConfig
	logger *zap.Logger
	events *observers
	retry  *RetryExecutor

	// 慢操作通知限流，避免事件风暴
	slowLimiter *rate.Limiter

	totalProbes   atomic.Int64
	failedProbes  atomic.Int64
	skippedProbes atomic.Int64
	slowProbes    atomic.Int64

	// probing 保证任一时刻至多一个探测在途；定时器触发时
	// 若上一次探测未完成则跳过本轮，不排队
	probing atomic.Bool

	// gaveUp 在重连耗尽后置位，迟到的在途探测不得再改写终态；
	// 重新 Start 时清除
	gaveUp atomic.Bool

	mu            sync.Mutex
	target        ProbeTarget
	health        Health
	history       []*ConnError
	connectedAt   time.Time
	criticalFired bool
	running       bool
	cancel        context.CancelFunc
}

// NewHealthMonitor 创建健康监控器
func NewHealthMonitor(name string, config MonitorConfig, retry *RetryExecutor, logger *zap.Logger) *HealthMonitor {
	if config.ErrorHistorySize <= 0 {
		config.ErrorHistorySize = 64
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	return &HealthMonitor{
		name:        name,
		config:      config,
		logger:      logger.With(zap.String("component", "health_monitor"), zap.String("manager", name)),
		events:      newObservers(),
		retry:       retry,
		slowLimiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
		health:      Health{Status: StatusDisconnected},
	}
}

// Subscribe 注册观察者，返回取消函数
func (m *HealthMonitor) Subscribe(obs Observer) func() {
	return m.events.subscribe(obs)
}

// =============================================================================
// 🎯 生命周期
// =============================================================================

// Start 绑定连接池：先做一次同步探测（失败则返回错误且不启动），
// 然后按 Interval 调度周期探测
func (m *HealthMonitor) Start(target ProbeTarget) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrMonitorRunning
	}
	m.target = target
	m.health = Health{Status: StatusConnecting}
	m.mu.Unlock()
	m.gaveUp.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ProbeTimeout)
	err := m.probeOnce(ctx)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.health.Status = StatusDisconnected
		m.mu.Unlock()
		return NewConnError(CodeOf(err), "initial health probe failed").WithCause(err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running = true
	m.cancel = loopCancel
	m.mu.Unlock()

	go m.loop(loopCtx)

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Int("max_error_count", m.config.MaxErrorCount),
	)
	m.events.each(func(o Observer) { o.OnConnected(m.name) })
	return nil
}

// Stop 停止周期探测。幂等。
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.logger.Info("health monitor stopped")
	}
}

func (m *HealthMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
			if err := m.probeOnce(probeCtx); err != nil {
				m.maybeEscalate()
			}
			cancel()
		}
	}
}

// =============================================================================
// 🔍 探测
// =============================================================================

// probeOnce 执行一次探测并更新健康快照。
// 已有探测在途时直接跳过（返回 nil），决不排队。
func (m *HealthMonitor) probeOnce(ctx context.Context) error {
	if m.gaveUp.Load() {
		m.skippedProbes.Add(1)
		return nil
	}
	if !m.probing.CompareAndSwap(false, true) {
		m.skippedProbes.Add(1)
		return nil
	}
	defer m.probing.Store(false)

	m.totalProbes.Add(1)

	start := time.Now()
	err := m.target.Probe(ctx)
	took := time.Since(start)

	if err != nil {
		m.failedProbes.Add(1)
		m.recordFailure(err, took)
		return err
	}

	m.recordSuccess(took)

	if m.config.SlowThreshold > 0 && took > m.config.SlowThreshold {
		m.slowProbes.Add(1)
		if m.slowLimiter.Allow() {
			m.events.each(func(o Observer) {
				o.OnSlowOperation(m.name, "probe", took, m.config.SlowThreshold)
			})
		}
	}
	return nil
}

func (m *HealthMonitor) recordSuccess(took time.Duration) {
	if m.gaveUp.Load() {
		return
	}
	stats, ok := m.poolSnapshot()

	m.mu.Lock()
	// 采集期间可能刚进入终态, 进锁后复核
	if m.gaveUp.Load() {
		m.mu.Unlock()
		return
	}
	recovered := m.health.Status == StatusError || m.health.Status == StatusReconnecting
	if m.health.Status != StatusConnected {
		m.connectedAt = time.Now()
	}
	m.health.Status = StatusConnected
	m.health.LastCheck = time.Now()
	m.health.LastResponseTime = took
	m.health.ConsecutiveErrors = 0
	m.health.LastError = ""
	m.criticalFired = false
	m.applyPoolGauges(stats, ok)
	m.mu.Unlock()

	if recovered {
		m.logger.Info("probe succeeded, health recovered", zap.Duration("took", took))
		m.events.each(func(o Observer) { o.OnHealthRecovered(m.name) })
	}
}

func (m *HealthMonitor) recordFailure(err error, took time.Duration) {
	if m.gaveUp.Load() {
		return
	}
	connErr := Classify(err)
	stats, ok := m.poolSnapshot()

	m.mu.Lock()
	if m.gaveUp.Load() {
		m.mu.Unlock()
		return
	}
	m.health.Status = StatusError
	m.health.LastCheck = time.Now()
	m.health.LastResponseTime = took
	m.health.ConsecutiveErrors++
	m.health.LastError = connErr.Error()
	m.history = append(m.history, connErr)
	if len(m.history) > m.config.ErrorHistorySize {
		m.history = m.history[len(m.history)-m.config.ErrorHistorySize:]
	}
	m.applyPoolGauges(stats, ok)
	m.mu.Unlock()

	m.logger.Warn("health probe failed",
		zap.String("code", string(connErr.Code)),
		zap.Error(err),
	)
	m.events.each(func(o Observer) { o.OnErrorRecorded(m.name, connErr) })
}

// maybeEscalate 在连续失败达到阈值时发出一次 critical 通知；
// 在下一次探测成功将计数清零之前不会重复发出
func (m *HealthMonitor) maybeEscalate() {
	m.mu.Lock()
	fire := m.health.ConsecutiveErrors >= m.config.MaxErrorCount && !m.criticalFired
	if fire {
		m.criticalFired = true
	}
	errs := m.health.ConsecutiveErrors
	lastErr := m.health.LastError
	m.mu.Unlock()

	if !fire {
		return
	}

	m.logger.Error("health critical",
		zap.Int("consecutive_errors", errs),
		zap.String("last_error", lastErr),
	)
	m.events.each(func(o Observer) {
		o.OnHealthCritical(m.name, errs, NewConnError(CodeConnLost, lastErr))
	})
}

// poolSnapshot 在不持有 m.mu 的情况下读取连接池统计。
// PoolStats 会进入管理器侧的锁，采集必须放在监控器锁之外，
// 否则与 Destroy/rebuildPool 的加锁顺序相反
func (m *HealthMonitor) poolSnapshot() (sql.DBStats, bool) {
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()
	if target == nil {
		return sql.DBStats{}, false
	}
	return target.PoolStats(), true
}

// applyPoolGauges 必须在持有 m.mu 时调用；stats 在锁外采集
func (m *HealthMonitor) applyPoolGauges(stats sql.DBStats, ok bool) {
	if ok {
		m.health.TotalConnections = stats.OpenConnections
		m.health.ActiveConnections = stats.InUse
		m.health.QueuedConnections = stats.WaitCount
	}
	if !m.connectedAt.IsZero() && m.health.Status == StatusConnected {
		m.health.Uptime = time.Since(m.connectedAt)
	} else {
		m.health.Uptime = 0
	}
}

// =============================================================================
// 🔄 重连
// =============================================================================

// Reconnect 执行有界重连循环：每次尝试等待固定的 ReconnectDelay 后
// 重新探测。指数退避由 RetryExecutor 提供，这里通过把延迟上限钳到
// 基础延迟得到固定间隔。耗尽后进入终态 Disconnected 并发出放弃通知，
// 此后不再自动重试，需要上层重新 Start。
func (m *HealthMonitor) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.health.Status = StatusReconnecting
	target := m.target
	m.mu.Unlock()

	if target == nil {
		return ErrPoolClosed
	}

	attempt := 0
	policy := RetryPolicy{
		MaxAttempts: m.config.MaxReconnectAttempts,
		BaseDelay:   m.config.ReconnectDelay,
		MaxDelay:    m.config.ReconnectDelay,
		// 重连期间任何非致命错误都值得再试
		Predicate: func(err error) bool { return !IsFatal(err) },
	}

	// 首次尝试前先等固定间隔；后续尝试之间的间隔由执行器提供，
	// 整体形成"等待后探测"的节奏
	if m.config.ReconnectDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(m.config.ReconnectDelay):
		}
	}

	err := m.retry.Execute(ctx, "reconnect:"+m.name, policy, func(ctx context.Context) error {
		attempt++
		m.events.each(func(o Observer) {
			o.OnReconnectAttempt(m.name, attempt, m.config.MaxReconnectAttempts)
		})

		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		defer cancel()
		return target.Probe(probeCtx)
	})

	if err != nil {
		// 终态：停掉周期探测并封住迟到的在途探测，
		// 恢复只能由上层重建连接池后重新 Start
		m.gaveUp.Store(true)
		m.Stop()
		m.mu.Lock()
		m.health.Status = StatusDisconnected
		m.mu.Unlock()
		m.events.each(func(o Observer) {
			o.OnReconnectFailed(m.name, attempt, err)
			o.OnDisconnected(m.name, "reconnect attempts exhausted")
		})
		return err
	}

	m.recordSuccess(0)
	m.events.each(func(o Observer) { o.OnReconnectSuccess(m.name, attempt) })
	return nil
}

// =============================================================================
// 📊 快照读取
// =============================================================================

// GetHealth 返回当前健康快照
func (m *HealthMonitor) GetHealth() Health {
	stats, ok := m.poolSnapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPoolGauges(stats, ok)
	return m.health
}

// GetStatistics 返回探测统计
func (m *HealthMonitor) GetStatistics() MonitorStats {
	return MonitorStats{
		TotalProbes:   m.totalProbes.Load(),
		FailedProbes:  m.failedProbes.Load(),
		SkippedProbes: m.skippedProbes.Load(),
		SlowProbes:    m.slowProbes.Load(),
	}
}

// GetErrorHistory 返回错误历史副本（最旧在前）
func (m *HealthMonitor) GetErrorHistory() []*ConnError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ConnError, len(m.history))
	copy(out, m.history)
	return out
}
