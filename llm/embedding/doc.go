// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 embedding 提供统一的文本嵌入接口、OpenAI 兼容实现与两级向量缓存，
供专家检索与共识计算使用。

# 核心类型

  - Provider：Embed、EmbedQuery、EmbedDocuments、Name、Dimensions。
  - OpenAIProvider：调用 /v1/embeddings，按批次拆分并按 index 还原顺序。
  - Cache：进程内 L1 缓存。键为规范化文本（去空白、小写）的 sha256，
    默认 TTL 5 分钟、容量 1000，满容量时淘汰最早写入的条目。
  - CachedProvider：包装任意 Provider，L1 → L2（RemoteStore）→ 上游，
    并发相同未命中通过 singleflight 合并。L2 读写失败仅记录告警。

# 使用方式

	inner := embedding.NewOpenAIProvider(embedding.OpenAIConfigFrom(cfg.Embedding))
	cached := embedding.NewCachedProvider(inner, embedding.NewCache(embedding.DefaultCacheConfig()),
		embedding.WithRemoteStore(redisManager))

	vec, err := cached.EmbedQuery(ctx, "first-line therapy for type 2 diabetes")
*/
package embedding
