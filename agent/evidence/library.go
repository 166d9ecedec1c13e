package evidence

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// embedBatchSize 单次向量化请求的文档数上限
const embedBatchSize = 64

// Document 语料中的一篇文献
type Document struct {
	ID        string    `yaml:"id" json:"id"`
	Title     string    `yaml:"title" json:"title"`
	Source    string    `yaml:"source" json:"source"`
	URL       string    `yaml:"url,omitempty" json:"url,omitempty"`
	Content   string    `yaml:"content" json:"content"`
	Embedding []float64 `yaml:"-" json:"-"`
}

// Match 一次检索命中
type Match struct {
	Document Document
	Score    float64
}

// DocumentEmbedder 批量向量化文档。embedding.Provider 满足此接口。
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)
}

// corpusFile 语料文件格式
type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadCorpus 读取 YAML 语料文件
func LoadCorpus(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return f.Documents, nil
}

// =============================================================================
// 📚 内存向量库
// =============================================================================

// Library 线程安全的内存文献库
type Library struct {
	mu     sync.RWMutex
	docs   []Document
	index  map[string]int
	logger *zap.Logger
}

// NewLibrary 创建空文献库
func NewLibrary(logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		index:  make(map[string]int),
		logger: logger.With(zap.String("component", "evidence_library")),
	}
}

// Add 向量化缺少向量的文档后加入文献库，同 ID 文档被替换
func (l *Library) Add(ctx context.Context, embedder DocumentEmbedder, docs []Document) error {
	pending := make([]int, 0, len(docs))
	for i := range docs {
		docs[i].ID = strings.TrimSpace(docs[i].ID)
		if docs[i].ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if strings.TrimSpace(docs[i].Content) == "" {
			return fmt.Errorf("document %s has no content", docs[i].ID)
		}
		if len(docs[i].Embedding) == 0 {
			pending = append(pending, i)
		}
	}

	if len(pending) > 0 && embedder == nil {
		return fmt.Errorf("%d documents need embedding but no embedder was given", len(pending))
	}
	for start := 0; start < len(pending); start += embedBatchSize {
		end := min(start+embedBatchSize, len(pending))
		texts := make([]string, 0, end-start)
		for _, i := range pending[start:end] {
			texts = append(texts, embeddingText(docs[i]))
		}
		vectors, err := embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed documents: %w", err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embed documents: got %d vectors for %d texts", len(vectors), len(texts))
		}
		for j, i := range pending[start:end] {
			docs[i].Embedding = vectors[j]
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, doc := range docs {
		if pos, ok := l.index[doc.ID]; ok {
			l.docs[pos] = doc
			continue
		}
		l.index[doc.ID] = len(l.docs)
		l.docs = append(l.docs, doc)
	}

	l.logger.Info("documents added to evidence library",
		zap.Int("count", len(docs)),
		zap.Int("embedded", len(pending)),
		zap.Int("total", len(l.docs)))
	return nil
}

// Search 返回相似度不低于 minScore 的前 topK 篇文献，分数相同按 ID 排序
func (l *Library) Search(query []float64, topK int, minScore float64) []Match {
	if topK <= 0 || len(query) == 0 {
		return nil
	}

	l.mu.RLock()
	matches := make([]Match, 0, len(l.docs))
	for _, doc := range l.docs {
		score := discovery.CosineSimilarity(query, doc.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{Document: doc, Score: score})
	}
	l.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Document.ID < matches[j].Document.ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Count 文献数量
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.docs)
}

func embeddingText(d Document) string {
	if d.Title == "" {
		return d.Content
	}
	return d.Title + "\n\n" + d.Content
}
