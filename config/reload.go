// 配置热重载。
//
// 监听配置文件变更，重新加载并应用运行时可调整的设置。
// 当前只有日志级别支持在线调整；结构性配置（端口、连接池）
// 的变更会被记录但要求重启才生效。
package config

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Reloader 把文件变更转换为配置重载
type Reloader struct {
	loader  *Loader
	watcher *FileWatcher
	level   zap.AtomicLevel
	logger  *zap.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)
}

// NewReloader 创建热重载器。level 是正在被日志器使用的
// 原子级别句柄，重载时就地调整。
func NewReloader(path string, level zap.AtomicLevel, logger *zap.Logger) (*Reloader, error) {
	watcher, err := NewFileWatcher([]string{path}, WithWatcherLogger(logger))
	if err != nil {
		return nil, err
	}

	loader := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate)
	current, err := loader.Load()
	if err != nil {
		return nil, err
	}

	return &Reloader{
		loader:  loader,
		watcher: watcher,
		level:   level,
		logger:  logger.With(zap.String("component", "config_reloader")),
		current: current,
	}, nil
}

// Current 返回最近一次成功加载的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload 注册重载成功后的回调
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start 开始监听并应用变更
func (r *Reloader) Start(ctx context.Context) error {
	r.watcher.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove {
			r.logger.Warn("config file removed, keeping last known good config")
			return
		}
		r.reload()
	})
	return r.watcher.Start(ctx)
}

// Stop 停止监听
func (r *Reloader) Stop() {
	r.watcher.Stop()
}

// reload 重新加载配置；解析或校验失败时保留旧配置
func (r *Reloader) reload() {
	cfg, err := r.loader.Load()
	if err != nil {
		r.logger.Error("config reload failed, keeping last known good config", zap.Error(err))
		return
	}

	r.mu.Lock()
	old := r.current
	r.current = cfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	if old.Log.Level != cfg.Log.Level {
		if err := r.applyLogLevel(cfg.Log.Level); err != nil {
			r.logger.Warn("invalid log level in reloaded config", zap.Error(err))
		} else {
			r.logger.Info("log level changed",
				zap.String("from", old.Log.Level),
				zap.String("to", cfg.Log.Level),
			)
		}
	}

	structural := !old.Server.Equal(cfg.Server) ||
		old.Database.Driver != cfg.Database.Driver ||
		old.Database.Host != cfg.Database.Host ||
		old.Database.Port != cfg.Database.Port ||
		old.Database.Database != cfg.Database.Database
	if structural {
		r.logger.Info("structural config changed, restart required to apply")
	}

	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (r *Reloader) applyLogLevel(level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	r.level.SetLevel(l)
	return nil
}
