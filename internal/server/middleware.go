package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🧩 HTTP 中间件
// =============================================================================

// Middleware HTTP 中间件
type Middleware func(http.Handler) http.Handler

// HTTPRecorder 接收请求指标，通常由 metrics.Collector 实现
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// Chain 按声明顺序包装处理器：第一个中间件最先接到请求
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// statusWriter 记录响应状态码
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 记录每个请求的方法、路径、状态码与耗时
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// Metrics 上报请求计数与时延
func Metrics(recorder HTTPRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			recorder.RecordHTTPRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

// Recoverer 捕获处理器 panic，返回 500 并记录堆栈
func Recoverer(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
