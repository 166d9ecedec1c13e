// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 consultation 实现多专家咨询会话的编排与对外服务。

# 概述

Service 校验请求、通过 panel.Composer 组建专家组，然后为每个会话启动一个
编排 goroutine。Orchestrator 按轮次驱动专家组，每轮结束后计算共识并决定
继续还是收尾；全部状态变化以有序事件发布到 streaming.Stream。

# 咨询模式

  - sequential：按专家组顺序逐个回答，后回答者看到本轮已有回答。
  - parallel：同一轮内并发且互相隔离。
  - conversational：并发；从第二轮起每位专家拿到上一轮全部回答，并需表明同意与反对。
  - hierarchical：组长拆分子问题，成员依次回答，组长综合。

# 共识

成功产出两两计算向量余弦相似度并取均值；向量化失败时退化为词集合
Jaccard 相似度。只有一条成功产出时共识固定为 1。

# 终止顺序

取消 → 达到最大轮数 → 达成共识 → 未开启辩论 → 人工检查点 → 下一轮。
*/
package consultation
