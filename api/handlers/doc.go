// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 VisitDesk HTTP API 的请求处理器实现。

# 概述

handlers 包实现访客管理的全部 HTTP 端点：申请提交与查询、
审批/拒绝、通行码核验与撤销、健康检查与连接层状态快照，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http
接口，路由由 NewRouter 装配。

# 核心类型

  - VisitHandler   — 访客申请与通行码端点
  - HealthHandler  — 健康检查（/healthz, /readyz）与连接管理器
    状态快照（/status）
  - Response       — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo      — 结构化错误信息，含 code、message、retryable 标记
  - HealthCheck    — 可插拔健康检查接口，PingCheck 适配任意 ping 函数

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 业务与连接层错误 → HTTP 状态码自动映射（4xx/5xx），
    瞬态数据库错误标记 retryable 并返回 503
  - /status 永不失败：数据库不可达时返回 disconnected 快照
*/
package handlers
