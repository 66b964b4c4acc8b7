package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/visitdesk/visitdesk/internal/metrics"
	"github.com/visitdesk/visitdesk/internal/server"
)

// =============================================================================
// 🧩 入口层中间件
// =============================================================================
// 通用中间件（Recoverer、RequestLogger、Chain）在 internal/server 中定义；
// 这里是只有可执行入口才需要的横切关注点：请求 ID、安全响应头、
// CORS、基于 IP 的限流，以及带路径归一化的指标上报。
// =============================================================================

// requestIDKey 请求 ID 的 context key
type requestIDKey struct{}

// RequestIDFromContext 从 context 中提取请求 ID，缺失时返回空串
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID 为每个请求生成唯一 ID，写入 X-Request-ID 响应头并注入 context。
// 客户端已携带 X-Request-ID 时原样保留。
func RequestID() server.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecurityHeaders 为所有响应附加通用安全响应头
func SecurityHeaders() server.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

// CORS 跨域中间件。
// allowedOrigins 为空时不设置任何 CORS 头（跨域请求被浏览器拒绝），
// 而非默认允许所有来源。
func CORS(allowedOrigins []string) server.Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(originSet) == 0 {
				// 未配置白名单：不设置 Allow-Origin，预检请求直接拒绝
				if origin != "" && r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := originSet[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter 基于 IP 的请求限流中间件
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) server.Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	// 后台清理过期 visitor
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"success":false,"error":{"code":"RATE_LIMITED","message":"too many requests"}}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware 上报请求计数与时延。
// 与 server.Metrics 不同，路径先经 normalizePath 归一化，
// 避免 UUID 路径参数撑爆 Prometheus 标签基数。
func MetricsMiddleware(collector *metrics.Collector) server.Middleware {
	return server.Metrics(normalizingRecorder{collector})
}

// normalizingRecorder 在上报前归一化路径
type normalizingRecorder struct {
	collector *metrics.Collector
}

func (n normalizingRecorder) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	n.collector.RecordHTTPRequest(method, normalizePath(path), status, duration)
}

// pathSegmentPattern 匹配动态路径段：UUID 形式的十六进制串或纯数字
var pathSegmentPattern = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// normalizePath 将路径中的动态段替换为 :id
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	normalized := false
	for i, seg := range segments {
		if pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}
