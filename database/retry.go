package database

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔁 重试执行器
// =============================================================================

// RetryPolicy 重试策略（每次调用不可变）
type RetryPolicy struct {
	// 最大尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// 基础延迟
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// 延迟上限
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// 额外的可重试错误码（优先于内置分类表）
	RetryableCodes []ErrorCode `yaml:"retryable_error_codes" json:"retryable_error_codes"`

	// 自定义判定（设置后替代错误码表；致命错误仍然短路）
	Predicate func(err error) bool `yaml:"-" json:"-"`
}

// DefaultRetryPolicy 返回生产环境默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// DevRetryPolicy 开发环境：快速失败，便于调试
func DevRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// TestRetryPolicy 测试环境：多次尝试、极短延迟
func TestRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
}

// AttemptPredicate 按尝试序号的附加判定，与错误码分类同时满足才重试
type AttemptPredicate func(attempt int, err error) bool

// RetryStats 重试统计快照
type RetryStats struct {
	TotalAttempts     int64               `json:"total_attempts"`
	SuccessfulRetries int64               `json:"successful_retries"`
	FailedRetries     int64               `json:"failed_retries"`
	ByCode            map[ErrorCode]int64 `json:"by_code"`
}

// RetryExecutor 在可配置退避策略下运行任意可失败操作
type RetryExecutor struct {
	logger *zap.Logger

	totalAttempts     atomic.Int64
	successfulRetries atomic.Int64
	failedRetries     atomic.Int64

	mu     sync.Mutex
	byCode map[ErrorCode]int64
}

// NewRetryExecutor 创建重试执行器
func NewRetryExecutor(logger *zap.Logger) *RetryExecutor {
	return &RetryExecutor{
		logger: logger.With(zap.String("component", "retry_executor")),
		byCode: make(map[ErrorCode]int64),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Execute 在退避策略下运行 op，重试耗尽或不可重试时返回最后一次错误
func (e *RetryExecutor) Execute(ctx context.Context, label string, policy RetryPolicy, op func(ctx context.Context) error) error {
	return e.ExecuteConditional(ctx, label, policy, nil, op)
}

// ExecuteConditional 与 Execute 相同，另接受按尝试序号评估的判定；
// 错误码分类与判定都同意才会重试
func (e *RetryExecutor) ExecuteConditional(ctx context.Context, label string, policy RetryPolicy, pred AttemptPredicate, op func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		e.totalAttempts.Add(1)

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.successfulRetries.Add(1)
				e.logger.Info("operation succeeded after retry",
					zap.String("label", label),
					zap.Int("attempt", attempt),
					zap.Duration("elapsed", time.Since(start)),
				)
			}
			return nil
		}

		lastErr = err
		e.recordError(err)

		// 致命错误永不重试，即使判定同意
		if IsFatal(err) {
			e.logger.Error("fatal error, not retrying",
				zap.String("label", label),
				zap.String("code", string(CodeOf(err))),
				zap.Error(err),
			)
			return e.attachContext(err, attempt, start)
		}

		if !e.shouldRetry(policy, pred, attempt, err) {
			return e.attachContext(err, attempt, start)
		}

		if attempt == policy.MaxAttempts {
			e.failedRetries.Add(1)
			e.logger.Warn("retries exhausted",
				zap.String("label", label),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return e.attachContext(err, attempt, start)
		}

		delay := backoffDelay(policy, attempt)
		e.logger.Warn("operation failed, retrying",
			zap.String("label", label),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return e.attachContext(lastErr, policy.MaxAttempts, start)
}

// Retry 带返回值的泛型封装
func Retry[T any](ctx context.Context, e *RetryExecutor, label string, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, label, policy, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// Stats 返回统计快照
func (e *RetryExecutor) Stats() RetryStats {
	e.mu.Lock()
	byCode := make(map[ErrorCode]int64, len(e.byCode))
	for code, n := range e.byCode {
		byCode[code] = n
	}
	e.mu.Unlock()

	return RetryStats{
		TotalAttempts:     e.totalAttempts.Load(),
		SuccessfulRetries: e.successfulRetries.Load(),
		FailedRetries:     e.failedRetries.Load(),
		ByCode:            byCode,
	}
}

// ResetStats 清零统计
func (e *RetryExecutor) ResetStats() {
	e.totalAttempts.Store(0)
	e.successfulRetries.Store(0)
	e.failedRetries.Store(0)
	e.mu.Lock()
	e.byCode = make(map[ErrorCode]int64)
	e.mu.Unlock()
}

// =============================================================================
// 🔧 内部方法
// =============================================================================

func (e *RetryExecutor) shouldRetry(policy RetryPolicy, pred AttemptPredicate, attempt int, err error) bool {
	var byCode bool
	switch {
	case policy.Predicate != nil:
		byCode = policy.Predicate(err)
	case len(policy.RetryableCodes) > 0:
		code := CodeOf(err)
		for _, c := range policy.RetryableCodes {
			if c == code {
				byCode = true
				break
			}
		}
	default:
		byCode = IsRetryable(err)
	}

	if !byCode {
		return false
	}
	if pred != nil && !pred(attempt, err) {
		return false
	}
	return true
}

func (e *RetryExecutor) recordError(err error) {
	code := CodeOf(err)
	e.mu.Lock()
	e.byCode[code]++
	e.mu.Unlock()
}

// attachContext 在重抛的错误上附加尝试次数与耗时
func (e *RetryExecutor) attachContext(err error, attempts int, start time.Time) error {
	ce := *Classify(err)
	ce.Attempts = attempts
	ce.Elapsed = time.Since(start)
	return &ce
}

// backoffDelay 计算第 attempt 次失败后的延迟:
// min(base * 2^(attempt-1) * jitter, max)，jitter ∈ [0.9, 1.1)
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := float64(base) * float64(int64(1)<<uint(attempt-1))
	jitter := 0.9 + rand.Float64()*0.2
	delay *= jitter

	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
