package evidence

import (
	"context"
	"fmt"
	"strings"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/config"

	"go.uber.org/zap"
)

// QueryEmbedder 向量化检索文本
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
}

// Config 证据检索配置
type Config struct {
	TopK     int
	MinScore float64
	// SnippetRunes 引用摘录的最大长度
	SnippetRunes int
}

// DefaultConfig 每位专家最多 3 条引用
func DefaultConfig() Config {
	return Config{TopK: 3, MinScore: 0.3, SnippetRunes: 280}
}

// ConfigFrom 从应用配置构建
func ConfigFrom(ec config.EvidenceConfig) Config {
	cfg := DefaultConfig()
	if ec.TopK > 0 {
		cfg.TopK = ec.TopK
	}
	if ec.MinScore > 0 {
		cfg.MinScore = ec.MinScore
	}
	return cfg
}

// Supplier 基于 Library 的证据检索
type Supplier struct {
	library  *Library
	embedder QueryEmbedder
	cfg      Config
	logger   *zap.Logger
}

var _ consultation.EvidenceSupplier = (*Supplier)(nil)

// NewSupplier 创建证据检索器
func NewSupplier(library *Library, embedder QueryEmbedder, cfg Config, logger *zap.Logger) *Supplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.SnippetRunes <= 0 {
		cfg.SnippetRunes = DefaultConfig().SnippetRunes
	}
	return &Supplier{
		library:  library,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "evidence_supplier")),
	}
}

// RetrieveEvidence 按问题检索文献，专家画像作为检索视角附加在问题之后
func (s *Supplier) RetrieveEvidence(ctx context.Context, question, persona string) ([]consultation.Citation, error) {
	if s.library.Count() == 0 {
		return nil, nil
	}

	text := strings.TrimSpace(question)
	if p := strings.TrimSpace(persona); p != "" {
		text += "\n\nPerspective: " + p
	}
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed evidence query: %w", err)
	}

	matches := s.library.Search(vec, s.cfg.TopK, s.cfg.MinScore)
	citations := make([]consultation.Citation, 0, len(matches))
	for _, m := range matches {
		citations = append(citations, consultation.Citation{
			Source:  m.Document.Source,
			Title:   m.Document.Title,
			URL:     m.Document.URL,
			Snippet: snippet(m.Document.Content, s.cfg.SnippetRunes),
			Score:   m.Score,
		})
	}
	s.logger.Debug("evidence retrieved", zap.Int("citations", len(citations)))
	return citations, nil
}

func snippet(content string, limit int) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	return strings.TrimSpace(string(r[:limit])) + "..."
}
