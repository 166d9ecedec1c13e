// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供咨询服务 HTTP API 的请求处理器实现。

# 概述

handlers 包实现咨询会话、专家推荐与健康检查端点，并提供统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的方法 + 路径模式注册。

# 核心类型

  - ConsultationHandler 发起/查询/取消会话、人工检查点、SSE 与 WebSocket 事件流、专家推荐
  - HealthHandler       存活与就绪检查（/health, /healthz, /ready, /readyz, /version）
  - Response            统一 JSON 响应结构（success + data + error + timestamp + request_id）
  - ErrorInfo           结构化错误信息，含 code、message、retryable 标记
  - HealthCheck         可插拔就绪检查接口，FuncCheck 包装数据库、Redis 与模型服务探测

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteServiceError / WriteJSON
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 事件流：SSE 帧的 id 为事件序号，订阅只收到订阅之后的事件
*/
package handlers
