package database

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer receives resilience-layer notifications. Consumers register
// via Manager.Subscribe (or Monitor.Subscribe) and get one method per
// notification, so the set of emitted events is statically known.
// Implementations must not block; embed NopObserver for forward
// compatibility.
type Observer interface {
	OnConnected(name string)
	OnDisconnected(name, reason string)
	OnHealthCritical(name string, consecutiveErrors int, lastErr error)
	OnHealthRecovered(name string)
	OnReconnectAttempt(name string, attempt, maxAttempts int)
	OnReconnectSuccess(name string, attempts int)
	OnReconnectFailed(name string, attempts int, lastErr error)
	OnSlowOperation(name, operation string, took, threshold time.Duration)
	OnErrorRecorded(name string, connErr *ConnError)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) OnConnected(string)                                           {}
func (NopObserver) OnDisconnected(string, string)                                {}
func (NopObserver) OnHealthCritical(string, int, error)                          {}
func (NopObserver) OnHealthRecovered(string)                                     {}
func (NopObserver) OnReconnectAttempt(string, int, int)                          {}
func (NopObserver) OnReconnectSuccess(string, int)                               {}
func (NopObserver) OnReconnectFailed(string, int, error)                         {}
func (NopObserver) OnSlowOperation(string, string, time.Duration, time.Duration) {}
func (NopObserver) OnErrorRecorded(string, *ConnError)                           {}

// =============================================================================
// 📣 观察者扇出
// =============================================================================

// observers 持有已注册的观察者，并把每条通知扇出给全部成员
type observers struct {
	mu   sync.RWMutex
	next int
	subs map[int]Observer
}

func newObservers() *observers {
	return &observers{subs: make(map[int]Observer)}
}

// subscribe 注册观察者，返回显式的取消函数
func (o *observers) subscribe(obs Observer) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = obs
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// each 在快照上遍历，避免通知期间持锁
func (o *observers) each(fn func(Observer)) {
	o.mu.RLock()
	snapshot := make([]Observer, 0, len(o.subs))
	for _, obs := range o.subs {
		snapshot = append(snapshot, obs)
	}
	o.mu.RUnlock()

	for _, obs := range snapshot {
		fn(obs)
	}
}

// =============================================================================
// 📝 日志观察者
// =============================================================================

// LoggingObserver 将全部通知写入结构化日志
type LoggingObserver struct {
	logger *zap.Logger
}

// NewLoggingObserver 创建日志观察者
func NewLoggingObserver(logger *zap.Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger.With(zap.String("component", "db_events"))}
}

func (l *LoggingObserver) OnConnected(name string) {
	l.logger.Info("database connected", zap.String("manager", name))
}

func (l *LoggingObserver) OnDisconnected(name, reason string) {
	l.logger.Warn("database disconnected",
		zap.String("manager", name),
		zap.String("reason", reason),
	)
}

func (l *LoggingObserver) OnHealthCritical(name string, consecutiveErrors int, lastErr error) {
	l.logger.Error("database health critical",
		zap.String("manager", name),
		zap.Int("consecutive_errors", consecutiveErrors),
		zap.Error(lastErr),
	)
}

func (l *LoggingObserver) OnHealthRecovered(name string) {
	l.logger.Info("database health recovered", zap.String("manager", name))
}

func (l *LoggingObserver) OnReconnectAttempt(name string, attempt, maxAttempts int) {
	l.logger.Warn("reconnect attempt",
		zap.String("manager", name),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
	)
}

func (l *LoggingObserver) OnReconnectSuccess(name string, attempts int) {
	l.logger.Info("reconnect succeeded",
		zap.String("manager", name),
		zap.Int("attempts", attempts),
	)
}

func (l *LoggingObserver) OnReconnectFailed(name string, attempts int, lastErr error) {
	l.logger.Error("reconnect failed, giving up",
		zap.String("manager", name),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
}

func (l *LoggingObserver) OnSlowOperation(name, operation string, took, threshold time.Duration) {
	l.logger.Warn("slow database operation",
		zap.String("manager", name),
		zap.String("operation", operation),
		zap.Duration("took", took),
		zap.Duration("threshold", threshold),
	)
}

func (l *LoggingObserver) OnErrorRecorded(name string, connErr *ConnError) {
	l.logger.Error("database error recorded",
		zap.String("manager", name),
		zap.String("code", string(connErr.Code)),
		zap.Bool("retryable", connErr.Retryable),
		zap.Bool("fatal", connErr.Fatal),
		zap.String("hint", connErr.Hint),
		zap.Error(connErr.Cause),
	)
}
