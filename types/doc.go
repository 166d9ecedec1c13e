// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供咨询服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、api 等上层模块
提供统一的错误体系与 Context 传播工具，以避免循环依赖。

# 核心类型

  - Error / ErrorCode 结构化错误，含 HTTP 状态码、Retryable、Provider 标记
  - 咨询错误码        AGENT_UNAVAILABLE、RETRIEVAL_UNAVAILABLE、SESSION_NOT_FOUND 等

# 主要能力

  - 错误链查找：AsError / IsCode / IsRetryable 基于 errors.As
  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRoles / WithSessionID
*/
package types
