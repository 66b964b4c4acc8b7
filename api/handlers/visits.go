package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/internal/cache"
	"github.com/visitdesk/visitdesk/store"
)

// =============================================================================
// 🚪 访客申请 Handler
// =============================================================================

// VisitHandler 访客申请与通行码处理器
type VisitHandler struct {
	store    *store.Store
	cache    *cache.Manager
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewVisitHandler 创建访客处理器
func NewVisitHandler(s *store.Store, logger *zap.Logger) *VisitHandler {
	return &VisitHandler{
		store:  s,
		logger: logger.With(zap.String("component", "visit_handler")),
	}
}

// SetCache 启用申请读缓存。缓存只服务 GET 路径，
// 审批/拒绝/核验等状态变更会主动失效对应条目。
func (h *VisitHandler) SetCache(c *cache.Manager, ttl time.Duration) {
	h.cache = c
	h.cacheTTL = ttl
}

// SubmitVisitRequest 访客申请提交请求
type SubmitVisitRequest struct {
	MerchantID  string `json:"merchant_id"`
	EmployeeID  string `json:"employee_id"`
	VisitorName string `json:"visitor_name"`
	VisitorID   string `json:"visitor_id,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	VisitAt     int64  `json:"visit_at"`
}

// DecisionRequest 审批/拒绝请求
type DecisionRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

// CheckInRequest 闸机核验请求
type CheckInRequest struct {
	Token string `json:"token"`
}

// RevokeRequest 撤销通行码请求
type RevokeRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSubmit 提交访客申请
// POST /api/v1/visits
func (h *VisitHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitVisitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.MerchantID == "" || req.EmployeeID == "" || req.VisitorName == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST",
			"merchant_id, employee_id and visitor_name are required", h.logger)
		return
	}

	visit := &store.VisitorApplication{
		MerchantID:  req.MerchantID,
		EmployeeID:  req.EmployeeID,
		VisitorName: req.VisitorName,
		VisitorID:   req.VisitorID,
		Phone:       req.Phone,
		Purpose:     req.Purpose,
		VisitAt:     req.VisitAt,
	}
	if err := h.store.SubmitVisit(r.Context(), visit); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      visit,
		Timestamp: time.Now(),
	})
}

// HandleGet 读取申请
// GET /api/v1/visits/{id}
func (h *VisitHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if h.cache != nil {
		var cached store.VisitorApplication
		if err := h.cache.GetJSON(r.Context(), cache.VisitKey(id), &cached); err == nil {
			WriteSuccess(w, &cached)
			return
		} else if !cache.IsCacheMiss(err) {
			h.logger.Debug("visit cache read failed", zap.String("visit_id", id), zap.Error(err))
		}
	}

	visit, err := h.store.GetVisit(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), cache.VisitKey(id), visit, h.cacheTTL); err != nil {
			h.logger.Debug("visit cache write failed", zap.String("visit_id", id), zap.Error(err))
		}
	}
	WriteSuccess(w, visit)
}

// invalidateVisit 状态变更后清除缓存条目，失败只记日志
func (h *VisitHandler) invalidateVisit(ctx context.Context, id string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, cache.VisitKey(id)); err != nil {
		h.logger.Debug("visit cache invalidation failed", zap.String("visit_id", id), zap.Error(err))
	}
}

// HandleListPending 商户的待审批申请
// GET /api/v1/merchants/{id}/visits/pending
func (h *VisitHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	visits, err := h.store.ListPendingVisits(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, visits)
}

// HandleApprove 审批通过并签发通行码
// POST /api/v1/visits/{id}/approve
func (h *VisitHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ApproverID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST",
			"approver_id is required", h.logger)
		return
	}

	id := r.PathValue("id")
	passcode, err := h.store.ApproveVisit(r.Context(), id, req.ApproverID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.invalidateVisit(r.Context(), id)
	WriteSuccess(w, passcode)
}

// HandleReject 拒绝申请
// POST /api/v1/visits/{id}/reject
func (h *VisitHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ApproverID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST",
			"approver_id is required", h.logger)
		return
	}

	id := r.PathValue("id")
	if err := h.store.RejectVisit(r.Context(), id, req.ApproverID, req.Reason); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.invalidateVisit(r.Context(), id)
	WriteSuccess(w, map[string]string{"status": "rejected"})
}

// HandleEvents 申请的审计轨迹
// GET /api/v1/visits/{id}/events
func (h *VisitHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.VisitEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, events)
}

// HandleCheckIn 闸机核验通行码
// POST /api/v1/checkin
func (h *VisitHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Token == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST",
			"token is required", h.logger)
		return
	}

	claims, err := h.store.CheckIn(r.Context(), req.Token)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.invalidateVisit(r.Context(), claims.VisitID)
	WriteSuccess(w, map[string]string{
		"visit_id":     claims.VisitID,
		"merchant_id":  claims.MerchantID,
		"visitor_name": claims.VisitorName,
	})
}

// HandleRevoke 撤销通行码
// POST /api/v1/passcodes/{id}/revoke
func (h *VisitHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.store.RevokePasscode(r.Context(), r.PathValue("id"), req.ActorID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "revoked"})
}
