// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 VisitDesk 服务端程序入口。

# 概述

cmd/visitdesk 是 VisitDesk 访客管理后端的可执行入口，提供 HTTP API 服务、
数据库结构同步、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server — 主服务器，串联弹性数据库层、业务存储层、缓存与双端口 HTTP 服务
  - normalizingRecorder — 指标上报前归一化路径，控制 Prometheus 标签基数

# 主要能力

  - 子命令：serve（启动服务）、migrate（同步表结构）、version、health
  - 中间件链：Recoverer、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、CORS、RateLimiter（基于 IP，x/time/rate）
  - 配置热重载：Reloader 监听配置文件并应用日志级别变更
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停热重载 → 关 HTTP → 关存储/缓存 → 关数据库 → 刷遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
