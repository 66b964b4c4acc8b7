// 配置文件变更监听器。
//
// 纯轮询实现：定期比较修改时间，事件经防抖后回调，
// 不依赖平台相关的文件系统通知。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileWatcher 监听配置文件变更
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent

	callbacks []func(event FileEvent)

	logger *zap.Logger

	lastModTimes map[string]time.Time
}

// FileEvent 一次文件变更
type FileEvent struct {
	// 变更的文件路径
	Path string `json:"path"`

	// 操作类型
	Op FileOp `json:"op"`

	// 事件发生时间
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件被创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval sets how often files are checked for changes
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         paths,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 100),
		callbacks:     make([]func(FileEvent), 0),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	// 路径可以尚不存在，此时等待其被创建
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("config file does not exist, will watch for creation",
					zap.String("path", path))
			} else {
				return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
			}
		}
	}

	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true

	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("config watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))

	return nil
}

// Stop stops the file watcher. 幂等。
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	close(w.stopChan)
	w.running = false

	w.logger.Info("config watcher stopped")
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

// checkFiles 比较每个被监听文件的修改时间并产生事件
func (w *FileWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, existed := w.lastModTimes[path]; existed {
					delete(w.lastModTimes, path)
					w.emit(FileEvent{Path: path, Op: FileOpRemove, Timestamp: time.Now()})
				}
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		switch {
		case !existed:
			w.lastModTimes[path] = info.ModTime()
			w.emit(FileEvent{Path: path, Op: FileOpCreate, Timestamp: time.Now()})
		case info.ModTime().After(lastMod):
			w.lastModTimes[path] = info.ModTime()
			w.emit(FileEvent{Path: path, Op: FileOpWrite, Timestamp: time.Now()})
		}
	}
}

// emit 投递事件，队列满时丢弃而不是阻塞轮询
func (w *FileWatcher) emit(ev FileEvent) {
	select {
	case w.eventChan <- ev:
	default:
		w.logger.Warn("event queue full, dropping file event", zap.String("path", ev.Path))
	}
}

// dispatchLoop 防抖后把事件派发给全部回调
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	pendingEvents := make(map[string]FileEvent)
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			// 同一路径的后续事件覆盖之前的
			pendingEvents[event.Path] = event
			flush = time.After(w.debounceDelay)
		case <-flush:
			flush = nil

			w.mu.RLock()
			callbacks := make([]func(FileEvent), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()

			for path, evt := range pendingEvents {
				w.logger.Debug("dispatching file event",
					zap.String("path", path),
					zap.String("op", evt.Op.String()))

				for _, cb := range callbacks {
					cb(evt)
				}
			}
			pendingEvents = make(map[string]FileEvent)
		}
	}
}

// Paths returns the list of watched paths
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, len(w.paths))
	copy(paths, w.paths)
	return paths
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
