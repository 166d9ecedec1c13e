// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 提供数据库 Schema 迁移管理能力，支持 PostgreSQL、
MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各方言的 SQL 迁移文件：

  - 000001_create_agent_profiles：专家目录表（能力、领域、层级、状态、向量）
  - 000002_create_consultation_sessions：终态咨询会话归档表

SQLite 使用 modernc.org/sqlite 纯 Go 驱动，无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 完整操作集。
  - CLI：consultd migrate 子命令的格式化输出层。
  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
    NewMigratorFromURL：从不同配置源创建迁移器。
*/
package migration
