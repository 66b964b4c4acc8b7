package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/visitdesk/visitdesk/database"
	"github.com/visitdesk/visitdesk/store"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 响应头已写出，编码失败无法补救
		return
	}
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应，状态码与错误码由错误类型推导
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code := mapError(err)

	if logger != nil {
		logger.Error("API error",
			zap.String("code", code),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      code,
			Message:   err.Error(),
			Retryable: database.IsRetryable(err),
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入给定状态码的简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string, logger *zap.Logger) {
	if logger != nil {
		logger.Warn("API error",
			zap.String("code", code),
			zap.Int("status", status),
			zap.String("message", message),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now(),
	})
}

// =============================================================================
// 🔄 错误到 HTTP 状态码映射
// =============================================================================

// mapError 把业务与连接层错误归类到状态码和机读错误码
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrVisitNotPending):
		return http.StatusConflict, "VISIT_NOT_PENDING"
	case errors.Is(err, store.ErrNotApprover):
		return http.StatusForbidden, "NOT_APPROVER"
	case errors.Is(err, store.ErrPasscodeNotUsable):
		return http.StatusConflict, "PASSCODE_NOT_USABLE"
	case errors.Is(err, store.ErrTokenInvalid):
		return http.StatusUnauthorized, "TOKEN_INVALID"
	case errors.Is(err, database.ErrManagerDestroyed), errors.Is(err, database.ErrPoolClosed):
		return http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE"
	}

	if code := database.CodeOf(err); code != database.CodeUnknown {
		if database.IsRetryable(err) {
			return http.StatusServiceUnavailable, string(code)
		}
		return http.StatusInternalServerError, string(code)
	}

	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20 // 1 MB

// DecodeJSONBody 解码 JSON 请求体，严格模式拒绝未知字段
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := errors.New("request body is empty")
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error(), logger)
		return err
	}

	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "application/json; charset=utf-8" {
		WriteErrorMessage(w, http.StatusUnsupportedMediaType, "INVALID_REQUEST",
			"Content-Type must be application/json", logger)
		return false
	}
	return true
}
