// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供多专家咨询服务 consultd 的程序入口。

# 概述

consultd 对外暴露咨询会话 API：发起咨询、查询快照、通过 SSE 或
WebSocket 订阅事件流、取消会话、处理人工检查点以及专家推荐。
程序加载 YAML 配置与 CONSULT_* 环境变量，使用 zap 结构化日志，
并在独立端口暴露 Prometheus 指标。

# 核心类型

  - Server        主服务器，组装目录、检索、编排与归档，管理双端口及优雅关闭
  - Middleware    HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusWriter  记录状态码的响应包装，透传 Flush 与 Hijack

# 主要能力

  - 子命令：serve、migrate、catalog import、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、MetricsMiddleware、CORS、RateLimiter，
    以及按配置启用的 APIKeyAuth、JWTAuth、TenantRateLimiter
  - 可选 h2c：server.enable_h2c 打开明文 HTTP/2
  - 优雅关闭：信号监听，取消运行中的会话，关闭 HTTP 与 Metrics，
    释放 Mongo、Redis、数据库与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
