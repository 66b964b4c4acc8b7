// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标收集能力，覆盖 HTTP 请求、
数据库连接与弹性行为、缓存命中以及业务维度的计数。

# 概述

Collector 使用 promauto 注册全部指标并暴露记录方法，供 HTTP
中间件、数据库观察者与业务层调用。DBObserver 将数据库连接
事件适配为指标更新，实现事件到度量的单向映射。

# 核心类型

  - Collector：指标收集器，持有所有 Counter/Gauge/Histogram，
    提供 RecordHTTPRequest、RecordDBQuery、RecordRetry、
    RecordTransaction 等记录方法。
  - DBObserver：数据库事件观察者适配器，将连接恢复、重连、
    慢操作与错误事件转换为对应指标。

# 指标域

  - HTTP：请求计数与时延直方图，按方法、路径与状态码分类。
  - 数据库：连接数、查询时延、错误分类计数、重试与重连结果、
    健康状态、慢操作计数。
  - 事务：提交/回滚结果计数、事务时长、保存点操作计数。
  - 缓存：按缓存类型统计命中与未命中。
  - 业务：访客申请结果与通行码状态计数。
*/
package metrics
