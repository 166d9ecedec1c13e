// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，作为查询向量的二级缓存。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期管理，包括初始化、
健康检查与优雅关闭。所有键都带有 KeyPrefix 前缀（默认 "embedding:"）。

# 核心类型

  - Manager：提供 Get/Set/Delete/TTL 基础操作、GetJSON/SetJSON
    序列化方法，以及 GetVector/SetVector 向量读写。
  - Config：地址、密码、前缀、默认 TTL、连接池与健康检查间隔。

# 错误语义

  - ErrCacheMiss：键不存在，GetVector 将其转换为 ok=false。
  - ErrClosed：管理器已关闭。
*/
package cache
