// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 提供咨询会话的有序事件流。

# 概述

每个会话一个 Stream，编排器是唯一发布者。Publish 为事件分配严格递增的 Seq，
并按发布顺序投递给当前订阅者。事件流不保留历史，断线重连只能收到此后的事件。

# 核心类型

  - Event / EventType：带会话 ID、轮次索引与时间戳的事件信封
  - Stream：单会话发布订阅，缓冲写满的订阅者被移除并关闭通道
  - Subscription：订阅句柄，Events 通道在流关闭或被移除时关闭
  - WebSocketSink：基于 github.com/coder/websocket 的 JSON 文本帧输出
  - WriteSSE / ServeSSE：text/event-stream 输出
*/
package streaming
