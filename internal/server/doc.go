// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭、系统信号监听与请求中间件。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。API 服务器与 metrics 服务器监听不同端口，
内置 SIGINT/SIGTERM 信号处理，适用于生产环境的优雅停机需求。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/WaitForShutdown
    等生命周期方法。
  - Config：服务器配置，包含监听地址、metrics 地址、读写超时、
    空闲超时、最大请求头大小与优雅关闭超时。
  - Middleware：HTTP 中间件类型，提供 RequestLogger/Metrics/
    Recoverer 三个内置实现与 Chain 组合函数。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，主线程不阻塞。
  - 独立 metrics 端口：ServeMetrics 注册 promhttp 处理器后，
    Start 在 MetricsAddr 上启动独立服务器。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM，收到信号后
    自动触发优雅关闭流程。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 请求观测：RequestLogger 与 Metrics 中间件记录方法、路径、
    状态码与耗时；Recoverer 将处理器 panic 转换为 500 响应。
*/
package server
