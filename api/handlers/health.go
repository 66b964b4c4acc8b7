package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/database"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger   *zap.Logger
	registry *database.Registry
	checks   []HealthCheck
	mu       sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。registry 可为 nil，
// 此时 /status 返回空清单。
func NewHealthHandler(registry *database.Registry, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		logger:   logger,
		registry: registry,
		checks:   make([]HealthCheck, 0),
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealthz 活跃度探针：只确认进程在跑
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	WriteJSON(w, http.StatusOK, status)
}

// HandleReady 就绪探针：跑完全部注册的检查再放行流量
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}

		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}

		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// HandleStatus 返回注册表内每个连接管理器的完整状态快照：
// 健康状态、池统计、近期错误与重连计数。状态读取永不失败。
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]database.Status)

	if h.registry != nil {
		for _, name := range h.registry.Names() {
			if mgr, ok := h.registry.Get(name); ok {
				statuses[name] = mgr.GetStatus()
			}
		}
	}

	WriteSuccess(w, statuses)
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		}

		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// PingCheck 把任意 ping 函数适配成 HealthCheck，
// 数据库用 Manager.Probe，缓存用 cache.Manager.Ping。
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建 ping 式健康检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error {
	return c.ping(ctx)
}
