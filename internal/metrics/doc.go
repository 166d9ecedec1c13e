// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
咨询会话、专家调用、检索、缓存、事件流与数据库。

# 概述

Collector 使用 promauto 自动注册指标，所有指标按 namespace 隔离。
Record* 方法在 nil 接收者上为空操作，组件可以不注入收集器。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 会话指标：终态计数、耗时、活跃会话 Gauge、轮次计数、共识分数分布、检查点结果。
  - 专家调用：按 model/status 计数与耗时。
  - 检索指标：请求计数、耗时与结果数量分布。
  - 缓存与事件流：命中/未命中计数、被丢弃的慢订阅者计数。
*/
package metrics
