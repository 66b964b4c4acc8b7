// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供 VisitDesk 的数据库弹性层：在真实故障（服务重启、
瞬态锁、慢查询、网络抖动）下维持连接池可用，并在其上提供原子、
可嵌套的工作单元。

# 概述

业务层只通过三个入口使用本包：Query、Transaction 与 GetStatus。
Manager 创建并持有连接池（mysql，或 sqlite 降级方案），把监控器的
通知接驳到有界的重连流程，所有连接借出都经由作用域化的
acquire/release，保证任何退出路径都不泄漏连接。

# 核心类型

  - Manager：顶层门面，建池、查询、事务、状态读取与销毁。
  - RetryExecutor：在可配置退避策略（指数 + 抖动）下运行任意
    可失败操作；致命错误永不重试。
  - HealthMonitor：周期探测连接池、分类失败、维护滚动统计与
    错误历史，并发出状态变化通知。
  - TxCoordinator：包装单个借出连接的一次性事务状态机，
    以保存点实现嵌套事务。
  - Registry：由启动代码持有并显式传递的命名管理器注册表。

# 错误分类

错误按静态表分为三类：致命（认证失败、库不存在——立即浮出，
不重试）、瞬态（连接拒绝/重置、锁等待、死锁——由退避重试或
重连流程处理）、逻辑（非法事务状态、保存点乱序——程序员错误，
同步浮出）。未知错误码默认非致命、非瞬态，原样浮出。

# 重连

两级策略：监控器以固定间隔重试探测（单个坏连接重试成本低）；
探测重试耗尽说明服务端系统性不可达，管理器转而以更粗的指数退避
重建整个池，并在新池上重启监控器。
*/
package database
