// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
明文 HTTP/2 (h2c)、优雅关闭与系统信号监听。

# 核心类型

  - Manager：封装 net/http.Server，持有监听器与异步错误通道，
    提供 Start/Shutdown/Errors/Addr/IsRunning。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小、
    优雅关闭超时与 h2c 开关。ConfigFrom 从应用配置构建。

# 主要能力

  - 事件流友好：默认 WriteTimeout 为 0，长连接 SSE 不会被截断。
  - 信号监听：WaitForSignal 等待 SIGINT/SIGTERM、上下文结束或
    任一服务器异常退出。
*/
package server
