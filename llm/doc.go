// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供统一的大语言模型补全抽象，供咨询编排器调用专家模型。

# 核心接口

  - [Provider]：Completion / Stream / HealthCheck / Name。
  - [ChatRequest] / [ChatResponse] / [StreamChunk]：与 OpenAI 兼容协议对齐的请求与响应模型。
  - [Error]：带错误码、HTTP 状态与可重试标记的结构化错误，[IsRetryable] 沿错误链判断。

# 辅助函数

  - [FirstChoice]：安全取首个 choice。
  - [CollectStream]：将流式增量聚合为完整文本，并按到达顺序回调每个增量。

具体实现位于 llm/providers/openaicompat，重试策略位于 llm/retry，
token 计数位于 llm/tokenizer，向量化与缓存位于 llm/embedding。
*/
package llm
