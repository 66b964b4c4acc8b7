// =============================================================================
// VisitDesk 主入口
// =============================================================================
// 完整服务入口点，包含 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	visitdesk serve                       # 启动服务
//	visitdesk serve --config config.yaml  # 指定配置文件
//	visitdesk migrate                     # 同步数据库表结构
//	visitdesk version                     # 显示版本信息
//	visitdesk health                      # 健康检查
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/visitdesk/visitdesk/config"
	"github.com/visitdesk/visitdesk/database"
	"github.com/visitdesk/visitdesk/internal/telemetry"
	"github.com/visitdesk/visitdesk/store"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, logLevel := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting VisitDesk",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	// 创建服务器（传入配置文件路径以支持热更新）
	server := NewServer(cfg, *configPath, logLevel, logger, otelProviders)

	// 启动服务器
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 等待关闭信号
	server.WaitForShutdown()

	logger.Info("VisitDesk stopped")
}

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate 通过弹性层连接数据库并同步表结构。
// 表结构由 store 包的模型定义驱动，幂等，可重复执行。
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	registry := database.NewRegistry(logger)
	defer registry.CloseAll()

	mgr, err := registry.Register(ctx, "primary", cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}

	issuer, err := store.NewPasscodeIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.PasscodeTTL)
	if err != nil {
		logger.Fatal("Invalid auth config", zap.Error(err))
	}

	st, err := store.New(mgr, cfg.Database.Driver, issuer, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := st.AutoMigrate(ctx); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}

	logger.Info("Migration completed", zap.String("driver", cfg.Database.Driver))
	fmt.Println("OK")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("VisitDesk %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`VisitDesk - Visitor Management Backend

Usage:
  visitdesk <command> [options]

Commands:
  serve     Start the VisitDesk server
  migrate   Synchronize database schema
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'migrate':
  --config <path>   Path to configuration file (YAML)

Examples:
  visitdesk serve
  visitdesk serve --config /etc/visitdesk/config.yaml
  visitdesk migrate --config /etc/visitdesk/config.yaml
  visitdesk health --addr http://localhost:8080
  visitdesk version`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

// loadConfig 加载并验证配置，路径为空时仅使用默认值与环境变量
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

// initLogger 构建 zap logger，并返回可热更新的日志级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            atomicLevel,
		Development:      cfg.Format == "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// 构建 logger
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, atomicLevel
}
