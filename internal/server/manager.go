package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/config"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager HTTP 服务器管理器。管理 API 服务器，
// 以及可选的独立 metrics 服务器（监听不同端口）。
type Manager struct {
	server   *http.Server
	listener net.Listener

	metricsServer   *http.Server
	metricsListener net.Listener
	metricsHandler  http.Handler

	errCh  chan error
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Config 服务器配置
type Config struct {
	// API 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// Metrics 监听地址，为空时不启动 metrics 服务器
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MetricsAddr:     "",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// FromAppConfig 由应用配置构造服务器配置
func FromAppConfig(app config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", app.HTTPPort)
	if app.MetricsPort > 0 {
		cfg.MetricsAddr = fmt.Sprintf(":%d", app.MetricsPort)
	}
	if app.ReadTimeout > 0 {
		cfg.ReadTimeout = app.ReadTimeout
	}
	if app.WriteTimeout > 0 {
		cfg.WriteTimeout = app.WriteTimeout
	}
	if app.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = app.ShutdownTimeout
	}
	return cfg
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		server: server,
		errCh:  make(chan error, 2),
		config: config,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// ServeMetrics 注册 metrics 处理器（如 promhttp.Handler()）。
// 必须在 Start 之前调用；未注册或 MetricsAddr 为空时不启动 metrics 服务器。
func (m *Manager) ServeMetrics(handler http.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metricsHandler = handler
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}

	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go m.serve(m.server, listener, "api")

	if m.config.MetricsAddr != "" && m.metricsHandler != nil {
		metricsListener, err := net.Listen("tcp", m.config.MetricsAddr)
		if err != nil {
			listener.Close()
			m.listener = nil
			return fmt.Errorf("failed to listen on %s: %w", m.config.MetricsAddr, err)
		}

		m.metricsListener = metricsListener
		m.metricsServer = &http.Server{
			Handler:     m.metricsHandler,
			ReadTimeout: m.config.ReadTimeout,
		}
		m.logger.Info("starting metrics server", zap.String("addr", metricsListener.Addr().String()))

		go m.serve(m.metricsServer, metricsListener, "metrics")
	}

	return nil
}

func (m *Manager) serve(srv *http.Server, listener net.Listener, kind string) {
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.String("server", kind), zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("shutting down HTTP server")

	// 创建带超时的上下文
	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		errs = append(errs, err)
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("metrics server shutdown failed", zap.Error(err))
			errs = append(errs, err)
		}
		m.metricsServer = nil
		m.metricsListener = nil
	}

	m.listener = nil

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	m.logger.Info("HTTP server stopped")
	return nil
}

// WaitForShutdown 等待关闭信号
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	ctx := context.Background()
	if err := m.Shutdown(ctx); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回服务器配置的监听地址
func (m *Manager) Addr() string {
	return m.config.Addr
}

// BoundAddr 返回实际绑定的地址（Addr 配置为 :0 时端口由系统分配）。
// 服务器未启动时返回空字符串。
func (m *Manager) BoundAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// MetricsBoundAddr 返回 metrics 服务器实际绑定的地址
func (m *Manager) MetricsBoundAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metricsListener == nil {
		return ""
	}
	return m.metricsListener.Addr().String()
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
