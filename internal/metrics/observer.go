package metrics

import (
	"time"

	"github.com/visitdesk/visitdesk/database"
)

// DBObserver 把弹性层的事件流转换为 Prometheus 指标。
// 通过 Manager.Subscribe 注册后无需额外埋点。
type DBObserver struct {
	collector *Collector
}

// NewDBObserver 创建数据库事件指标观察者
func NewDBObserver(collector *Collector) *DBObserver {
	return &DBObserver{collector: collector}
}

var _ database.Observer = (*DBObserver)(nil)

func (o *DBObserver) OnConnected(name string) {
	o.collector.SetDBHealthy(name, true)
}

func (o *DBObserver) OnDisconnected(name, reason string) {
	o.collector.SetDBHealthy(name, false)
}

func (o *DBObserver) OnHealthCritical(name string, consecutiveErrors int, lastErr error) {
	o.collector.SetDBHealthy(name, false)
}

func (o *DBObserver) OnHealthRecovered(name string) {
	o.collector.SetDBHealthy(name, true)
}

func (o *DBObserver) OnReconnectAttempt(name string, attempt, maxAttempts int) {}

func (o *DBObserver) OnReconnectSuccess(name string, attempts int) {
	o.collector.RecordReconnect(name, "success")
	o.collector.SetDBHealthy(name, true)
}

func (o *DBObserver) OnReconnectFailed(name string, attempts int, lastErr error) {
	o.collector.RecordReconnect(name, "failed")
	o.collector.SetDBHealthy(name, false)
}

func (o *DBObserver) OnSlowOperation(name, operation string, took, threshold time.Duration) {
	o.collector.RecordSlowOperation(name, operation)
}

func (o *DBObserver) OnErrorRecorded(name string, connErr *database.ConnError) {
	o.collector.RecordDBError(name, string(connErr.Code))
}
