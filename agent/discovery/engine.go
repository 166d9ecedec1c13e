package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/telemetry"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// QueryEmbedder 将查询文本向量化。embedding.CachedProvider 满足此接口。
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
}

// Config 检索引擎配置
type Config struct {
	// DefaultTopK 查询未指定 TopK 时使用
	DefaultTopK int `json:"default_top_k"`
	// MaxTopK 单次检索返回上限
	MaxTopK int `json:"max_top_k"`
	// CapabilityBoost 每命中一个能力标签的加分
	CapabilityBoost float64 `json:"capability_boost"`
	// DomainBoost 每命中一个领域标签的加分
	DomainBoost float64 `json:"domain_boost"`
	// MaxBoost 加分总上限，保证相似度仍占主导
	MaxBoost float64 `json:"max_boost"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DefaultTopK:     5,
		MaxTopK:         50,
		CapabilityBoost: 0.03,
		DomainBoost:     0.02,
		MaxBoost:        0.1,
	}
}

// ConfigFrom 从应用配置构建检索配置
func ConfigFrom(rc config.RetrievalConfig) Config {
	cfg := DefaultConfig()
	if rc.DefaultTopK > 0 {
		cfg.DefaultTopK = rc.DefaultTopK
	}
	if rc.CapabilityBoost >= 0 {
		cfg.CapabilityBoost = rc.CapabilityBoost
	}
	if rc.DomainBoost >= 0 {
		cfg.DomainBoost = rc.DomainBoost
	}
	if rc.MaxBoost > 0 {
		cfg.MaxBoost = rc.MaxBoost
	}
	return cfg
}

// Query 一次检索请求
type Query struct {
	Text          string          `json:"text"`
	TopK          int             `json:"top_k"`
	MinSimilarity float64         `json:"min_similarity"`
	Filters       catalog.Filters `json:"filters"`
}

// Match 一条检索结果
type Match struct {
	Profile    catalog.AgentProfile `json:"profile"`
	Score      float64              `json:"score"`
	Similarity float64              `json:"similarity"`
	Boost      float64              `json:"boost"`
	Reasons    []string             `json:"reasons"`
}

// Result 检索结果，返回后不再修改
type Result struct {
	QueryText string  `json:"query_text"`
	Entries   []Match `json:"entries"`
	TookMs    int64   `json:"took_ms"`
}

// defaultStatuses 未指定状态过滤时只检索可入组的专家
var defaultStatuses = []catalog.Status{catalog.StatusActive, catalog.StatusTesting}

// =============================================================================
// 🔎 混合检索引擎
// =============================================================================

// Engine 向量相似度 + 元数据过滤的混合检索
type Engine struct {
	store    catalog.Store
	embedder QueryEmbedder
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEngine 创建检索引擎。collector 可为 nil。
func NewEngine(store catalog.Store, embedder QueryEmbedder, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultConfig().DefaultTopK
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = DefaultConfig().MaxTopK
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		config:   cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "retrieval_engine")),
	}
}

// Search 执行检索。
//
// 空目录、无候选或过滤后为空都返回空结果而不是错误，且不会放宽过滤条件。
// 向量服务或目录不可用时返回 types.ErrRetrievalUnavailable，不产出降级排序。
func (e *Engine) Search(ctx context.Context, q Query) (result *Result, err error) {
	start := time.Now()
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query text is required").WithHTTPStatus(400)
	}
	if q.MinSimilarity < 0 || q.MinSimilarity > 1 {
		return nil, types.Errorf(types.ErrInvalidRequest, "min_similarity must be within [0,1], got %v", q.MinSimilarity).WithHTTPStatus(400)
	}
	if q.TopK <= 0 {
		q.TopK = e.config.DefaultTopK
	}
	if q.TopK > e.config.MaxTopK {
		q.TopK = e.config.MaxTopK
	}
	if len(q.Filters.Statuses) == 0 {
		q.Filters.Statuses = defaultStatuses
	}

	ctx, span := telemetry.StartSpan(ctx, "discovery.search",
		attribute.Int("retrieval.top_k", q.TopK),
		attribute.Float64("retrieval.min_similarity", q.MinSimilarity),
	)
	defer func() {
		status := "ok"
		n := 0
		if err != nil {
			status = "unavailable"
			if !types.IsCode(err, types.ErrRetrievalUnavailable) {
				status = "error"
			}
		} else {
			n = len(result.Entries)
			span.SetAttributes(attribute.Int("retrieval.results", n))
		}
		e.metrics.RecordRetrieval(status, time.Since(start), n)
		telemetry.EndSpan(span, err)
	}()

	queryVec, err := e.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("query embedding failed", zap.Error(err))
		return nil, types.NewError(types.ErrRetrievalUnavailable, "embedding provider unavailable").
			WithCause(err).WithHTTPStatus(503).WithRetryable(true)
	}

	candidates, err := e.store.Query(ctx, q.Filters)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("catalog query failed", zap.Error(err))
		return nil, types.NewError(types.ErrRetrievalUnavailable, "agent catalog unavailable").
			WithCause(err).WithHTTPStatus(503).WithRetryable(true)
	}

	normalized := normalizeText(q.Text)
	entries := make([]Match, 0, len(candidates))
	skipped := 0
	for i := range candidates {
		p := &candidates[i]
		if len(p.Embedding) == 0 || len(p.Embedding) != len(queryVec) {
			skipped++
			continue
		}
		m := e.score(p, queryVec, normalized, q.Filters)
		if m.Score < q.MinSimilarity {
			continue
		}
		entries = append(entries, m)
	}

	sortMatches(entries)
	if len(entries) > q.TopK {
		entries = entries[:q.TopK]
	}

	e.logger.Debug("retrieval completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped", skipped),
		zap.Int("results", len(entries)),
	)

	return &Result{
		QueryText: q.Text,
		Entries:   entries,
		TookMs:    time.Since(start).Milliseconds(),
	}, nil
}

// score 计算复合分数：相似度加上受上限约束的标签命中加分
func (e *Engine) score(p *catalog.AgentProfile, queryVec []float64, normalizedQuery string, filters catalog.Filters) Match {
	sim := CosineSimilarity(queryVec, p.Embedding)
	reasons := []string{fmt.Sprintf("semantic:%.2f", sim)}

	boost := 0.0
	for _, c := range p.Capabilities {
		if tagMentioned(normalizedQuery, c) || containsFold(filters.Capabilities, c) {
			boost += e.config.CapabilityBoost
			reasons = append(reasons, "capability:"+c)
		}
	}
	for _, d := range p.Domains {
		if tagMentioned(normalizedQuery, d) || containsFold(filters.Domains, d) {
			boost += e.config.DomainBoost
			reasons = append(reasons, "domain:"+d)
		}
	}
	if boost > e.config.MaxBoost {
		boost = e.config.MaxBoost
	}

	return Match{
		Profile:    p.Clone(),
		Score:      sim + boost,
		Similarity: sim,
		Boost:      boost,
		Reasons:    reasons,
	}
}

// sortMatches 分数降序；同分时层级高者优先，再按名称、ID 字典序
func sortMatches(entries []Match) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Profile.Tier != b.Profile.Tier {
			return a.Profile.Tier > b.Profile.Tier
		}
		if a.Profile.Name != b.Profile.Name {
			return a.Profile.Name < b.Profile.Name
		}
		return a.Profile.ID < b.Profile.ID
	})
}

// normalizeText 小写化并把非字母数字字符替换为单个空格
func normalizeText(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// tagMentioned 判断标签（如 trial_design）是否以完整词组出现在查询中
func tagMentioned(normalizedQuery, tag string) bool {
	t := normalizeText(tag)
	if t == "" {
		return false
	}
	return strings.Contains(" "+normalizedQuery+" ", " "+t+" ")
}

func containsFold(list []string, tag string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), tag) {
			return true
		}
	}
	return false
}
