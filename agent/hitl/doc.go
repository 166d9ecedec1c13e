// Package hitl 提供 Human-in-the-Loop 检查点网关。
//
// 编排器在两轮之间调用 Gate.Await 挂起会话，人工通过 Gate.Resolve 给出通过或驳回；
// 截止时间到达后按配置的默认动作继续，并记录为降级路径。
package hitl
