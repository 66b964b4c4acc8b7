// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 store 提供访客管理的业务存储：商户、员工、访客申请、
通行码与审计轨迹，构建在 database 包的弹性连接层之上。

# 概述

读路径与简单写走 GORM，ORM 与弹性层共享同一个连接池；
涉及多表一致性的审批签发流程走 Manager.Transaction，
保证申请状态翻转和通行码落库同生共死。连接池重建后，
Store 作为观察者收到通知并把 ORM 换绑到新池。

# 核心类型

  - Store：业务存储门面，提供申请提交、审批/拒绝、通行码
    核验与撤销、审计查询等操作。
  - PasscodeIssuer：通行码 JWT 签发与验证，HS256 对称签名，
    闸机侧持同一密钥可离线验证。
  - Merchant/Employee/VisitorApplication/Passcode/VisitEvent：
    GORM 数据模型，时间字段统一为 Unix 秒。

# 状态机

申请：pending → approved | rejected | cancelled，翻转带状态守卫，
并发审批只有一方成功。通行码：issued → used | revoked | expired，
核验走守卫式写回，同一通行码只放行一次。

# 审批事务

ApproveVisit 在单个事务内完成状态翻转与通行码插入；审计写入
包在保存点内，失败只回退审计本身，不影响审批结果。
*/
package store
