// Package discovery 提供专家混合检索：在元数据过滤后的目录候选上计算查询向量的
// 余弦相似度，叠加受上限约束的能力/领域标签加分，得到复合分数并确定性排序。
//
// # 排序规则
//
// 复合分数降序；同分时 Tier 高者优先，然后按显示名称、ID 字典序。
// 相同输入对未变化的目录总是得到相同的结果顺序。
//
// # 失败语义
//
// 空目录、全部被过滤或没有达到阈值的候选时返回空结果。向量服务或目录不可用时
// 返回 types.ErrRetrievalUnavailable，不会放宽过滤条件，也不会生成降级排序。
//
// # 基本用法
//
//	engine := discovery.NewEngine(store, cachedEmbedder, discovery.DefaultConfig(), collector, logger)
//	res, err := engine.Search(ctx, discovery.Query{Text: "clinical trial design", TopK: 5, MinSimilarity: 0.7})
package discovery
