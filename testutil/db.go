// =============================================================================
// 🗄️ 数据库测试辅助
// =============================================================================
// 集中数据库测试夹具，避免各包重复拼配置:
//
//	cfg := testutil.SQLiteConfig(t)
//	mgr := testutil.NewSQLiteManager(t)
//
// =============================================================================
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/database"
)

// SQLiteConfig 文件型 SQLite 测试配置。池化连接共享同一
// 数据库文件，健康监控关闭，重试用短退避。
func SQLiteConfig(t testing.TB) database.Config {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.Driver = "sqlite"
	cfg.Database = filepath.Join(t.TempDir(), "visitdesk.db")
	cfg.ConnectionLimit = 3
	cfg.MaxIdleConns = 2
	cfg.AcquireTimeout = 5 * time.Second
	cfg.HealthEnabled = false
	cfg.Retry = database.TestRetryPolicy()
	cfg.Transaction = database.TxOptions{Timeout: 0, SavepointsEnabled: true}
	return cfg
}

// NewSQLiteManager 创建并初始化 SQLite 连接管理器，
// 测试结束时自动销毁
func NewSQLiteManager(t testing.TB) *database.Manager {
	t.Helper()

	m := database.NewManager("primary", SQLiteConfig(t), zap.NewNop())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize test manager: %v", err)
	}
	t.Cleanup(func() { m.Destroy() })
	return m
}
