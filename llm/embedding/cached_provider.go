package embedding

import (
	"context"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RemoteStore 是可选的 L2 向量存储（internal/cache.Manager 基于 Redis 实现）
type RemoteStore interface {
	GetVector(ctx context.Context, key string) ([]float64, bool, error)
	SetVector(ctx context.Context, key string, vector []float64, ttl time.Duration) error
}

// CachedProvider 为任意 Provider 加上 L1（进程内）与可选 L2（远端）缓存。
// 并发的相同未命中查询合并为一次上游调用。
type CachedProvider struct {
	inner   Provider
	cache   *Cache
	remote  RemoteStore
	group   singleflight.Group
	metrics *metrics.Collector
	logger  *zap.Logger

	// 合并后的上游调用与任何单个调用方的取消解耦，只受此超时约束
	fetchTimeout time.Duration
}

// DefaultFetchTimeout 合并上游调用的默认超时
const DefaultFetchTimeout = 30 * time.Second

var _ Provider = (*CachedProvider)(nil)

// CachedOption 配置 CachedProvider
type CachedOption func(*CachedProvider)

// WithRemoteStore 启用 L2 缓存
func WithRemoteStore(store RemoteStore) CachedOption {
	return func(p *CachedProvider) { p.remote = store }
}

// WithMetrics 记录命中与未命中
func WithMetrics(c *metrics.Collector) CachedOption {
	return func(p *CachedProvider) { p.metrics = c }
}

// WithFetchTimeout 设置合并上游调用的超时，非正值忽略
func WithFetchTimeout(d time.Duration) CachedOption {
	return func(p *CachedProvider) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) CachedOption {
	return func(p *CachedProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewCachedProvider 包装 inner。cache 为 nil 时使用默认配置
func NewCachedProvider(inner Provider, cache *Cache, opts ...CachedOption) *CachedProvider {
	if cache == nil {
		cache = NewCache(DefaultCacheConfig())
	}
	p := &CachedProvider{
		inner:        inner,
		cache:        cache,
		logger:       zap.NewNop(),
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "embedding_cache"))
	return p
}

// Cache 返回 L1 缓存
func (p *CachedProvider) Cache() *Cache { return p.cache }

func (p *CachedProvider) Name() string    { return p.inner.Name() }
func (p *CachedProvider) Dimensions() int { return p.inner.Dimensions() }

// Embed 直接透传，不缓存
func (p *CachedProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	return p.inner.Embed(ctx, req)
}

// EmbedQuery 依次查询 L1、L2，均未命中时调用上游并回填两级缓存
func (p *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	key := Key(query)
	if vec, ok := p.lookup(ctx, key); ok {
		return vec, nil
	}

	// 调用方各自等待自己的 ctx；首个调用方取消不影响共享同一 key 的其他调用方
	ch := p.group.DoChan(key, func() (any, error) {
		// 合并窗口内可能已被其他调用回填
		if vec, ok := p.cache.getKey(key); ok {
			return vec, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		vec, err := p.inner.EmbedQuery(fetchCtx, query)
		if err != nil {
			return nil, err
		}
		p.store(fetchCtx, key, vec)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneVector(res.Val.([]float64)), nil
	}
}

// EmbedDocuments 对每个文档查缓存，未命中的一次性批量请求上游
func (p *CachedProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	out := make([][]float64, len(documents))
	var (
		missIdx  []int
		missText []string
	)
	for i, doc := range documents {
		if vec, ok := p.lookup(ctx, Key(doc)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, doc)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedDocuments(ctx, missText)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		if j >= len(vecs) {
			break
		}
		out[idx] = vecs[j]
		p.store(ctx, Key(missText[j]), vecs[j])
	}
	return out, nil
}

func (p *CachedProvider) lookup(ctx context.Context, key string) ([]float64, bool) {
	if vec, ok := p.cache.getKey(key); ok {
		p.metrics.RecordCacheHit("embedding_l1")
		return vec, true
	}
	p.metrics.RecordCacheMiss("embedding_l1")

	if p.remote == nil {
		return nil, false
	}
	vec, ok, err := p.remote.GetVector(ctx, key)
	if err != nil {
		p.logger.Warn("remote embedding cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		p.metrics.RecordCacheMiss("embedding_l2")
		return nil, false
	}
	p.metrics.RecordCacheHit("embedding_l2")
	p.cache.setKey(key, vec)
	return vec, true
}

func (p *CachedProvider) store(ctx context.Context, key string, vec []float64) {
	p.cache.setKey(key, vec)
	if p.remote == nil {
		return
	}
	if err := p.remote.SetVector(ctx, key, vec, p.cache.TTL()); err != nil {
		p.logger.Warn("remote embedding cache write failed", zap.Error(err))
	}
}
