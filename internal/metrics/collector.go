// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库弹性层指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec
	dbErrorsTotal     *prometheus.CounterVec
	dbRetriesTotal    *prometheus.CounterVec
	dbReconnectsTotal *prometheus.CounterVec
	dbHealthStatus    *prometheus.GaugeVec
	dbSlowOpsTotal    *prometheus.CounterVec

	// 事务指标
	txTotal        *prometheus.CounterVec
	txDuration     *prometheus.HistogramVec
	savepointTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 业务指标
	visitsTotal    *prometheus.CounterVec
	passcodesTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"manager"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"manager"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"manager", "operation"},
	)

	c.dbErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Total number of classified database errors",
		},
		[]string{"manager", "code"},
	)

	c.dbRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_retries_total",
			Help:      "Total number of retried database operations",
		},
		[]string{"manager", "outcome"}, // outcome: recovered, exhausted
	)

	c.dbReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_reconnects_total",
			Help:      "Total number of reconnection rounds",
		},
		[]string{"manager", "outcome"}, // outcome: success, failed
	)

	c.dbHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_health_status",
			Help:      "Connection health (1 = connected, 0 = anything else)",
		},
		[]string{"manager"},
	)

	c.dbSlowOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_slow_operations_total",
			Help:      "Total number of operations over the slow threshold",
		},
		[]string{"manager", "operation"},
	)

	// 事务指标
	c.txTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_transactions_total",
			Help:      "Total number of finished transactions",
		},
		[]string{"manager", "outcome"}, // outcome: committed, rolled_back, failed, timeout
	)

	c.txDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_transaction_duration_seconds",
			Help:      "Transaction duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"manager"},
	)

	c.savepointTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_savepoints_total",
			Help:      "Total number of savepoint operations",
		},
		[]string{"manager", "op"}, // op: create, release, rollback_to
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 业务指标
	c.visitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visits_total",
			Help:      "Total number of visitor applications by outcome",
		},
		[]string{"outcome"}, // outcome: created, approved, rejected, cancelled
	)

	c.passcodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passcodes_issued_total",
			Help:      "Total number of visitor passcodes issued",
		},
		[]string{"status"}, // status: issued, failed
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(manager string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(manager).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(manager).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(manager, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(manager, operation).Observe(duration.Seconds())
}

// RecordDBError 记录分类后的数据库错误
func (c *Collector) RecordDBError(manager, code string) {
	c.dbErrorsTotal.WithLabelValues(manager, code).Inc()
}

// RecordRetry 记录重试结局
func (c *Collector) RecordRetry(manager, outcome string) {
	c.dbRetriesTotal.WithLabelValues(manager, outcome).Inc()
}

// RecordReconnect 记录一轮重连的结局
func (c *Collector) RecordReconnect(manager, outcome string) {
	c.dbReconnectsTotal.WithLabelValues(manager, outcome).Inc()
}

// SetDBHealthy 设置健康门控指标
func (c *Collector) SetDBHealthy(manager string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.dbHealthStatus.WithLabelValues(manager).Set(v)
}

// RecordSlowOperation 记录慢操作
func (c *Collector) RecordSlowOperation(manager, operation string) {
	c.dbSlowOpsTotal.WithLabelValues(manager, operation).Inc()
}

// =============================================================================
// 🔄 事务指标记录
// =============================================================================

// RecordTransaction 记录事务结局与耗时
func (c *Collector) RecordTransaction(manager, outcome string, duration time.Duration) {
	c.txTotal.WithLabelValues(manager, outcome).Inc()
	c.txDuration.WithLabelValues(manager).Observe(duration.Seconds())
}

// RecordSavepoint 记录保存点操作
func (c *Collector) RecordSavepoint(manager, op string) {
	c.savepointTotal.WithLabelValues(manager, op).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🧾 业务指标记录
// =============================================================================

// RecordVisit 记录访客申请流转
func (c *Collector) RecordVisit(outcome string) {
	c.visitsTotal.WithLabelValues(outcome).Inc()
}

// RecordPasscode 记录通行码签发
func (c *Collector) RecordPasscode(status string) {
	c.passcodesTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
