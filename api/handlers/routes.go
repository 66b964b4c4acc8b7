package handlers

import "net/http"

// =============================================================================
// 🗺️ 路由
// =============================================================================

// NewRouter 装配全部端点。方法与路径参数由 net/http 的
// 模式路由处理。
func NewRouter(health *HealthHandler, visits *VisitHandler, version, buildTime, gitCommit string) *http.ServeMux {
	mux := http.NewServeMux()

	// 健康与状态
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /status", health.HandleStatus)
	mux.HandleFunc("GET /version", health.HandleVersion(version, buildTime, gitCommit))

	// 访客申请
	mux.HandleFunc("POST /api/v1/visits", visits.HandleSubmit)
	mux.HandleFunc("GET /api/v1/visits/{id}", visits.HandleGet)
	mux.HandleFunc("GET /api/v1/visits/{id}/events", visits.HandleEvents)
	mux.HandleFunc("POST /api/v1/visits/{id}/approve", visits.HandleApprove)
	mux.HandleFunc("POST /api/v1/visits/{id}/reject", visits.HandleReject)
	mux.HandleFunc("GET /api/v1/merchants/{id}/visits/pending", visits.HandleListPending)

	// 通行码
	mux.HandleFunc("POST /api/v1/checkin", visits.HandleCheckIn)
	mux.HandleFunc("POST /api/v1/passcodes/{id}/revoke", visits.HandleRevoke)

	return mux
}
