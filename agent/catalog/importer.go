package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Writer 可写目录。GormStore 满足此接口。
type Writer interface {
	Upsert(ctx context.Context, p AgentProfile) error
}

// DocumentEmbedder 批量向量化。embedding.Provider 满足此接口。
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)
}

// EmbeddingText 档案参与向量检索的文本
func (p AgentProfile) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(p.Name)
	if p.Role != "" {
		b.WriteString("\nRole: ")
		b.WriteString(p.Role)
	}
	if len(p.Domains) > 0 {
		b.WriteString("\nDomains: ")
		b.WriteString(strings.Join(p.Domains, ", "))
	}
	if len(p.Capabilities) > 0 {
		b.WriteString("\nCapabilities: ")
		b.WriteString(strings.Join(p.Capabilities, ", "))
	}
	if p.SystemInstructions != "" {
		b.WriteString("\n")
		b.WriteString(p.SystemInstructions)
	}
	return b.String()
}

// LoadProfiles 读取 JSON 数组格式的档案文件
func LoadProfiles(path string) ([]AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var profiles []AgentProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	return profiles, nil
}

// Import 为档案生成向量后写入目录，返回写入数量。任一档案失败即停止。
func Import(ctx context.Context, w Writer, embedder DocumentEmbedder, profiles []AgentProfile, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(profiles) == 0 {
		return 0, nil
	}

	texts := make([]string, len(profiles))
	for i, p := range profiles {
		if strings.TrimSpace(p.ID) == "" {
			return 0, fmt.Errorf("profile %d has no id", i)
		}
		texts[i] = p.EmbeddingText()
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed profiles: %w", err)
	}
	if len(vectors) != len(profiles) {
		return 0, fmt.Errorf("embed profiles: got %d vectors for %d profiles", len(vectors), len(profiles))
	}

	for i := range profiles {
		p := profiles[i]
		p.Embedding = vectors[i]
		if err := w.Upsert(ctx, p); err != nil {
			return i, err
		}
		logger.Debug("profile imported", zap.String("id", p.ID))
	}
	logger.Info("catalog import finished", zap.Int("profiles", len(profiles)))
	return len(profiles), nil
}
