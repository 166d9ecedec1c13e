package consultation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"

	"go.uber.org/zap"
)

// DocumentEmbedder 共识计算使用的批量向量化接口，由 embedding.CachedProvider 实现
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)
}

// =============================================================================
// 🤝 共识评估
// =============================================================================

// consensusEvaluator 对一个已关闭轮次的成功产出计算两两相似度均值
type consensusEvaluator struct {
	embedder     DocumentEmbedder
	disagreement float64
	agreement    float64
	logger       *zap.Logger
}

// evaluation 共识结果及相似度矩阵，矩阵供最终合并加权
type evaluation struct {
	result ConsensusResult
	ids    []string
	sim    [][]float64
}

func newConsensusEvaluator(embedder DocumentEmbedder, cfg Config, logger *zap.Logger) *consensusEvaluator {
	return &consensusEvaluator{
		embedder:     embedder,
		disagreement: cfg.DisagreementThreshold,
		agreement:    cfg.AgreementThreshold,
		logger:       logger,
	}
}

// evaluate contribs 只包含 ok 产出，按调度顺序排列
func (e *consensusEvaluator) evaluate(ctx context.Context, contribs []Contribution) evaluation {
	ids := make([]string, len(contribs))
	for i, c := range contribs {
		ids[i] = c.AgentID
	}
	ev := evaluation{ids: ids}

	switch len(contribs) {
	case 0:
		ev.result = ConsensusResult{Method: MethodSingle, AgreementPoints: []string{}, Conflicts: []Conflict{}}
		return ev
	case 1:
		ev.sim = [][]float64{{1}}
		ev.result = ConsensusResult{Score: 1, Method: MethodSingle, AgreementPoints: []string{}, Conflicts: []Conflict{}}
		return ev
	}

	method := MethodEmbedding
	sim, err := e.embeddingMatrix(ctx, contribs)
	if err != nil {
		e.logger.Warn("consensus embedding failed, falling back to lexical similarity",
			zap.Int("contributions", len(contribs)),
			zap.Error(err))
		method = MethodLexical
		sim = lexicalMatrix(contribs)
	}
	ev.sim = sim

	result := ConsensusResult{Method: method, AgreementPoints: []string{}, Conflicts: []Conflict{}}
	var total float64
	pairs := 0
	for i := 0; i < len(contribs); i++ {
		for j := i + 1; j < len(contribs); j++ {
			s := sim[i][j]
			total += s
			pairs++
			if s < e.disagreement {
				result.Conflicts = append(result.Conflicts, Conflict{
					AgentA:     contribs[i].AgentID,
					AgentB:     contribs[j].AgentID,
					Similarity: s,
				})
			}
			if s >= e.agreement {
				result.AgreementPoints = append(result.AgreementPoints,
					fmt.Sprintf("%s and %s agree (%.2f)", displayName(contribs[i]), displayName(contribs[j]), s))
			}
		}
	}
	result.Score = clampScore(total / float64(pairs))
	ev.result = result
	return ev
}

func (e *consensusEvaluator) embeddingMatrix(ctx context.Context, contribs []Contribution) ([][]float64, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	texts := make([]string, len(contribs))
	for i, c := range contribs {
		texts[i] = c.Content
	}
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return buildMatrix(len(texts), func(i, j int) float64 {
		return discovery.CosineSimilarity(vecs[i], vecs[j])
	}), nil
}

func lexicalMatrix(contribs []Contribution) [][]float64 {
	sets := make([]map[string]struct{}, len(contribs))
	for i, c := range contribs {
		sets[i] = wordSet(c.Content)
	}
	return buildMatrix(len(contribs), func(i, j int) float64 {
		return jaccard(sets[i], sets[j])
	})
}

func buildMatrix(n int, f func(i, j int) float64) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := clampScore(f(i, j))
			m[i][j] = s
			m[j][i] = s
		}
	}
	return m
}

// wordSet 小写后按非字母数字切分
func wordSet(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// jaccard 两个空集合视为完全一致
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func displayName(c Contribution) string {
	if c.AgentName != "" {
		return c.AgentName
	}
	return c.AgentID
}
