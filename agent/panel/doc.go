// Package panel 组建咨询专家组。
//
// 显式模式按 ExpertRef 列表去重后逐一校验，任一专家不存在或不可用都会使组建整体失败，
// 并列出所有不可用的 ID。自动模式把问题交给检索引擎，TopK 等于期望的专家组人数。
// 专家组人数总在 [1, MaxSize] 之间。
package panel
