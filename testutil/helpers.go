// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
//	mgr := testutil.NewSQLiteManager(t)
//
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// AssertEventuallyEqual 断言值最终相等
func AssertEventuallyEqual(t *testing.T, expected any, getter func() any, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var lastValue any

	for time.Now().Before(deadline) {
		lastValue = getter()
		if reflect.DeepEqual(expected, lastValue) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("value did not become %v within %v, last value: %v", expected, timeout, lastValue)
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值转换为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}
