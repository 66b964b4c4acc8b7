package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/api/handlers"
	"github.com/visitdesk/visitdesk/config"
	"github.com/visitdesk/visitdesk/database"
	"github.com/visitdesk/visitdesk/internal/cache"
	"github.com/visitdesk/visitdesk/internal/metrics"
	"github.com/visitdesk/visitdesk/internal/server"
	"github.com/visitdesk/visitdesk/internal/telemetry"
	"github.com/visitdesk/visitdesk/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 VisitDesk 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logLevel   zap.AtomicLevel
	logger     *zap.Logger

	// 遥测
	otelProviders *telemetry.Providers

	// 数据库弹性层
	registry    *database.Registry
	unsubscribe func()

	// 业务层
	store        *store.Store
	cacheManager *cache.Manager

	// HTTP 与 Metrics 双端口
	httpManager *server.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 配置热重载
	reloader *config.Reloader

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logLevel zap.AtomicLevel, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		configPath:    configPath,
		logLevel:      logLevel,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("visitdesk", s.logger)

	// 2. 初始化数据库弹性层
	if err := s.initDatabase(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}

	// 3. 初始化缓存层（可选）
	if err := s.initCache(); err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}

	// 4. 初始化配置热重载
	if err := s.initReloader(); err != nil {
		return fmt.Errorf("failed to init config reloader: %w", err)
	}

	// 5. 启动 HTTP / Metrics 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("cache_enabled", s.cacheManager != nil),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initDatabase 注册主数据库管理器并接通指标订阅与业务存储层
func (s *Server) initDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.registry = database.NewRegistry(s.logger)

	mgr, err := s.registry.Register(ctx, "primary", s.cfg.Database)
	if err != nil {
		return fmt.Errorf("register primary database: %w", err)
	}

	// 数据库事件 → Prometheus 指标
	s.unsubscribe = mgr.Subscribe(metrics.NewDBObserver(s.metricsCollector))

	issuer, err := store.NewPasscodeIssuer(s.cfg.Auth.JWTSecret, s.cfg.Auth.Issuer, s.cfg.Auth.PasscodeTTL)
	if err != nil {
		return fmt.Errorf("build passcode issuer: %w", err)
	}

	st, err := store.New(mgr, s.cfg.Database.Driver, issuer, s.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := st.AutoMigrate(ctx); err != nil {
		st.Close()
		return fmt.Errorf("auto-migrate schema: %w", err)
	}

	s.store = st
	s.logger.Info("Database initialized",
		zap.String("driver", s.cfg.Database.Driver),
		zap.String("manager", "primary"),
	)
	return nil
}

// initCache 按配置启动 Redis 缓存；未启用时读请求直达数据库
func (s *Server) initCache() error {
	if !s.cfg.Redis.Enabled {
		s.logger.Info("Cache disabled")
		return nil
	}

	cacheManager, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		DefaultTTL:   s.cfg.Redis.TTL,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	cacheManager.SetRecorder(s.metricsCollector)
	s.cacheManager = cacheManager
	s.logger.Info("Cache initialized", zap.String("addr", s.cfg.Redis.Addr))
	return nil
}

// initReloader 初始化配置热重载：监听配置文件并应用日志级别变更
func (s *Server) initReloader() error {
	if s.configPath == "" {
		return nil
	}

	reloader, err := config.NewReloader(s.configPath, s.logLevel, s.logger)
	if err != nil {
		return fmt.Errorf("create reloader: %w", err)
	}

	reloader.OnReload(func(newCfg *config.Config) {
		s.logger.Info("Configuration reloaded",
			zap.String("log_level", newCfg.Log.Level),
		)
	})

	if err := reloader.Start(context.Background()); err != nil {
		return fmt.Errorf("start reloader: %w", err)
	}

	s.reloader = reloader
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 组装路由与中间件链并拉起双端口服务
func (s *Server) startHTTPServer() error {
	// 健康检查 handler：就绪探针覆盖数据库与缓存
	healthHandler := handlers.NewHealthHandler(s.registry, s.logger)
	if mgr, ok := s.registry.Get("primary"); ok {
		healthHandler.RegisterCheck(handlers.NewPingCheck("database", mgr.Probe))
	}
	if s.cacheManager != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	visitHandler := handlers.NewVisitHandler(s.store, s.logger)
	if s.cacheManager != nil {
		visitHandler.SetCache(s.cacheManager, s.cfg.Redis.TTL)
	}

	mux := handlers.NewRouter(healthHandler, visitHandler, Version, BuildTime, GitCommit)

	// 构建中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	middlewares := []server.Middleware{
		server.Recoverer(s.logger),
		RequestID(),
		SecurityHeaders(),
		server.RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := server.Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.FromAppConfig(s.cfg.Server), s.logger)
	s.httpManager.ServeMetrics(promhttp.Handler())

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止配置热重载
	if s.reloader != nil {
		s.reloader.Stop()
	}

	// 2. 关闭 HTTP / Metrics 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭业务存储层与指标订阅
	if s.store != nil {
		s.store.Close()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	// 4. 关闭缓存
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭数据库弹性层
	if s.registry != nil {
		if err := s.registry.CloseAll(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	// 6. 刷新遥测
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
