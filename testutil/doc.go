// 版权所有 2025 VisitDesk Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 testutil 提供跨包共享的测试辅助：上下文、异步断言、
JSON 工具与数据库测试夹具。

# 概述

业务包的测试大多需要一个干净的 SQLite 连接管理器与等待
异步条件的断言；本包把这些夹具集中起来，避免各包重复拼装。

# 主要能力

  - 上下文辅助：TestContext/CancelledContext
  - 异步断言：AssertEventuallyTrue/AssertEventuallyEqual、WaitFor、
    WaitForChannel
  - 数据库夹具：SQLiteConfig 与 NewSQLiteManager，文件型 SQLite，
    自动清理
  - JSON 工具：MustJSON/MustParseJSON
*/
package testutil
