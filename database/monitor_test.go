package database

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 HealthMonitor 测试
// =============================================================================

// fakeTarget 可脚本化的探测目标
type fakeTarget struct {
	mu     sync.Mutex
	fail   error
	failN  int // >0 时仅前 N 次探测失败
	delay  time.Duration
	probes int
	stats  sql.DBStats
}

func (f *fakeTarget) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.probes++
	fail, delay := f.fail, f.delay
	if f.failN > 0 {
		f.failN--
		if f.failN == 0 {
			fail, f.fail = f.fail, nil
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (f *fakeTarget) PoolStats() sql.DBStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeTarget) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeTarget) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// recordingObserver 线程安全地记录收到的全部通知
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recordingObserver) OnConnected(string)                  { r.record("connected") }
func (r *recordingObserver) OnDisconnected(string, string)       { r.record("disconnected") }
func (r *recordingObserver) OnHealthCritical(string, int, error) { r.record("critical") }
func (r *recordingObserver) OnHealthRecovered(string)            { r.record("recovered") }
func (r *recordingObserver) OnReconnectAttempt(string, int, int) { r.record("reconnect_attempt") }
func (r *recordingObserver) OnReconnectSuccess(string, int)      { r.record("reconnect_success") }
func (r *recordingObserver) OnReconnectFailed(string, int, error) {
	r.record("reconnect_failed")
}
func (r *recordingObserver) OnSlowOperation(string, string, time.Duration, time.Duration) {
	r.record("slow_operation")
}
func (r *recordingObserver) OnErrorRecorded(string, *ConnError) { r.record("error_recorded") }

func fastMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             5 * time.Millisecond,
		ProbeTimeout:         100 * time.Millisecond,
		MaxErrorCount:        3,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
		SlowThreshold:        time.Second,
		ErrorHistorySize:     16,
	}
}

func newTestMonitor(config MonitorConfig) (*HealthMonitor, *recordingObserver) {
	m := NewHealthMonitor("primary", config, NewRetryExecutor(zap.NewNop()), zap.NewNop())
	obs := &recordingObserver{}
	m.Subscribe(obs)
	return m, obs
}

func TestHealthMonitor_StartAndStop(t *testing.T) {
	m, obs := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{}

	require.NoError(t, m.Start(target))
	defer m.Stop()

	assert.Equal(t, StatusConnected, m.GetHealth().Status)
	assert.Equal(t, 1, obs.count("connected"))

	// 已运行时再次 Start 被拒绝
	assert.ErrorIs(t, m.Start(target), ErrMonitorRunning)

	// Stop 幂等
	m.Stop()
	m.Stop()
}

func TestHealthMonitor_StartFailsOnFirstProbe(t *testing.T) {
	m, obs := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{fail: timeoutErr()}

	err := m.Start(target)
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.Equal(t, StatusDisconnected, m.GetHealth().Status)
	assert.Equal(t, 0, obs.count("connected"))

	// 启动失败后监控器可重新 Start
	target.setFail(nil)
	require.NoError(t, m.Start(target))
	m.Stop()
}

// 连续失败达到阈值 ⇒ critical 恰好一次, 直到探测恢复成功后才会再次升级
func TestHealthMonitor_CriticalFiresOnce(t *testing.T) {
	m, obs := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{}

	require.NoError(t, m.Start(target))
	defer m.Stop()

	target.setFail(timeoutErr())

	require.Eventually(t, func() bool {
		return obs.count("critical") >= 1
	}, 2*time.Second, time.Millisecond)

	// 继续失败远超阈值, critical 不重复
	require.Eventually(t, func() bool {
		return m.GetHealth().ConsecutiveErrors >= 6
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, obs.count("critical"))
	assert.Equal(t, StatusError, m.GetHealth().Status)

	// 恢复 ⇒ recovered 通知, 连续错误清零
	target.setFail(nil)
	require.Eventually(t, func() bool {
		return obs.count("recovered") >= 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, m.GetHealth().ConsecutiveErrors)

	// 再次劣化 ⇒ 第二次 critical
	target.setFail(timeoutErr())
	require.Eventually(t, func() bool {
		return obs.count("critical") >= 2
	}, 2*time.Second, time.Millisecond)
}

// 在途探测未完成时, 定时器触发的探测被跳过而不是排队
func TestHealthMonitor_ConcurrentProbeSkipped(t *testing.T) {
	m, _ := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{}
	m.target = target

	require.True(t, m.probing.CompareAndSwap(false, true), "simulate in-flight probe")

	err := m.probeOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, target.probeCount(), "skipped probe must not touch the target")
	assert.Equal(t, int64(1), m.GetStatistics().SkippedProbes)

	m.probing.Store(false)
	require.NoError(t, m.probeOnce(context.Background()))
	assert.Equal(t, 1, target.probeCount())
}

func TestHealthMonitor_ReconnectSucceedsAfterRetries(t *testing.T) {
	m, obs := newTestMonitor(fastMonitorConfig())
	// 前两次失败, 第三次成功
	target := &fakeTarget{fail: timeoutErr(), failN: 2}
	m.target = target

	err := m.Reconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, m.GetHealth().Status)
	assert.Equal(t, 1, obs.count("reconnect_success"))
	assert.Equal(t, 3, obs.count("reconnect_attempt"))
}

// 重连耗尽 ⇒ 终态 Disconnected, 发出放弃与断连通知, 不再自动重试
func TestHealthMonitor_ReconnectExhaustionIsTerminal(t *testing.T) {
	m, obs := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{fail: timeoutErr()}
	m.target = target

	err := m.Reconnect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, m.GetHealth().Status)
	assert.Equal(t, 3, obs.count("reconnect_attempt"))
	assert.Equal(t, 1, obs.count("reconnect_failed"))
	assert.Equal(t, 1, obs.count("disconnected"))
	assert.Equal(t, 0, obs.count("reconnect_success"))

	// 终态封住后续探测: 目标不再被触碰, 状态不被改写
	probes := target.probeCount()
	require.NoError(t, m.probeOnce(context.Background()))
	assert.Equal(t, probes, target.probeCount())
	assert.Equal(t, StatusDisconnected, m.GetHealth().Status)

	// 上层重建连接池后重新 Start 才恢复监控
	target.setFail(nil)
	require.NoError(t, m.Start(target))
	defer m.Stop()
	assert.Equal(t, StatusConnected, m.GetHealth().Status)
}

// 周期探测循环在重连耗尽后停止, 迟到的失败不把终态刷成 Error
func TestHealthMonitor_LoopHaltsAfterGiveUp(t *testing.T) {
	config := fastMonitorConfig()
	m, _ := newTestMonitor(config)
	target := &fakeTarget{}

	require.NoError(t, m.Start(target))
	target.setFail(timeoutErr())

	require.Error(t, m.Reconnect(context.Background()))
	assert.Equal(t, StatusDisconnected, m.GetHealth().Status)

	// 给定时器留出若干周期, 探测次数必须保持不变
	time.Sleep(5 * config.Interval)
	probes := target.probeCount()
	time.Sleep(10 * config.Interval)
	assert.Equal(t, probes, target.probeCount())
	assert.Equal(t, StatusDisconnected, m.GetHealth().Status)
}

// 重连节奏: 先等固定间隔再探测, 而不是探测失败后才等待
func TestHealthMonitor_ReconnectWaitsBeforeFirstProbe(t *testing.T) {
	config := fastMonitorConfig()
	config.ReconnectDelay = 60 * time.Millisecond
	config.MaxReconnectAttempts = 1
	m, _ := newTestMonitor(config)
	target := &fakeTarget{}
	m.target = target

	start := time.Now()
	require.NoError(t, m.Reconnect(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, 1, target.probeCount())
}

// 致命错误(如凭证错误)立刻放弃重连, 不消耗全部尝试
func TestHealthMonitor_ReconnectAbortsOnFatal(t *testing.T) {
	m, obs := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{fail: accessDeniedErr()}
	m.target = target

	err := m.Reconnect(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, obs.count("reconnect_attempt"))
	assert.Equal(t, StatusDisconnected, m.GetHealth().Status)
}

func TestHealthMonitor_SlowProbeNotification(t *testing.T) {
	config := fastMonitorConfig()
	config.SlowThreshold = time.Millisecond
	m, obs := newTestMonitor(config)
	target := &fakeTarget{delay: 10 * time.Millisecond}

	require.NoError(t, m.Start(target))
	defer m.Stop()

	require.Eventually(t, func() bool {
		return obs.count("slow_operation") >= 1
	}, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, m.GetStatistics().SlowProbes, int64(1))
}

// 错误历史有界, 淘汰最旧条目
func TestHealthMonitor_ErrorHistoryBounded(t *testing.T) {
	config := fastMonitorConfig()
	config.ErrorHistorySize = 3
	m, obs := newTestMonitor(config)
	target := &fakeTarget{fail: timeoutErr()}
	m.target = target

	for i := 0; i < 5; i++ {
		_ = m.probeOnce(context.Background())
	}

	history := m.GetErrorHistory()
	assert.Len(t, history, 3)
	for _, e := range history {
		assert.Equal(t, CodeTimeout, e.Code)
	}
	assert.Equal(t, 5, m.GetHealth().ConsecutiveErrors)
	assert.Equal(t, 5, obs.count("error_recorded"))
	assert.Equal(t, int64(5), m.GetStatistics().FailedProbes)
}

// reentrantTarget 的 PoolStats 回调监控器自身, 模拟管理器侧
// 在统计采集与 Stop 之间对两把锁的交叉使用
type reentrantTarget struct {
	fakeTarget
	monitor *HealthMonitor
}

func (r *reentrantTarget) PoolStats() sql.DBStats {
	r.monitor.Stop()
	return r.fakeTarget.PoolStats()
}

// 池统计采集必须在监控器锁之外进行, 否则与停止路径互相等待
func TestHealthMonitor_PoolStatsMayReenterMonitor(t *testing.T) {
	m, _ := newTestMonitor(fastMonitorConfig())
	target := &reentrantTarget{monitor: m}
	m.target = target

	done := make(chan Health, 1)
	go func() { done <- m.GetHealth() }()

	select {
	case h := <-done:
		assert.Equal(t, StatusDisconnected, h.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("GetHealth blocked while collecting pool stats")
	}

	// 记录路径同样不得在持锁时触碰目标
	done2 := make(chan struct{})
	go func() {
		m.recordFailure(timeoutErr(), time.Millisecond)
		close(done2)
	}()
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("recordFailure blocked while collecting pool stats")
	}
}

func TestHealthMonitor_HealthReflectsPoolStats(t *testing.T) {
	m, _ := newTestMonitor(fastMonitorConfig())
	target := &fakeTarget{stats: sql.DBStats{OpenConnections: 7, InUse: 2, WaitCount: 4}}

	require.NoError(t, m.Start(target))
	defer m.Stop()

	h := m.GetHealth()
	assert.Equal(t, 7, h.TotalConnections)
	assert.Equal(t, 2, h.ActiveConnections)
	assert.Equal(t, int64(4), h.QueuedConnections)
	assert.Equal(t, StatusConnected, h.Status)
}
