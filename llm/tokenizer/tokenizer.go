package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Truncate 将文本截断到最多 maxTokens 个 token.
	Truncate(text string, maxTokens int) (string, error)

	// MaxTokens 返回模型的最大上下文长度.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// 全局分词器注册表.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为给定的模型名称注册分词器.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer 返回为给定模型注册的分词器，支持前缀匹配（最长前缀优先）.
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	var (
		best    Tokenizer
		bestLen int
	)
	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator 返回该模型的注册分词器，未注册时回退到估算器.
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimatorTokenizer(model, 0)
	}
	return t
}

// ForModel 返回 tiktoken 分词器；编码数据不可用时自动降级到估算器.
func ForModel(model string) Tokenizer {
	if t, err := GetTokenizer(model); err == nil {
		return t
	}
	return &fallbackTokenizer{
		primary:  NewTiktokenTokenizer(model),
		fallback: NewEstimatorTokenizer(model, 0),
	}
}

// fallbackTokenizer 在 primary 出错时使用 fallback.
type fallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	if n, err := f.primary.CountTokens(text); err == nil {
		return n, nil
	}
	return f.fallback.CountTokens(text)
}

func (f *fallbackTokenizer) Truncate(text string, maxTokens int) (string, error) {
	if s, err := f.primary.Truncate(text, maxTokens); err == nil {
		return s, nil
	}
	return f.fallback.Truncate(text, maxTokens)
}

func (f *fallbackTokenizer) MaxTokens() int { return f.primary.MaxTokens() }

func (f *fallbackTokenizer) Name() string {
	return f.primary.Name() + "|" + f.fallback.Name()
}

// =============================================================================
// 上下文预算
// =============================================================================

// FitBudget 从尾部开始保留 parts，直到累计 token 超过 budget。
// 最早一段放不下时被截断而不是丢弃；返回结果保持原顺序。
// budget <= 0 表示不限制.
func FitBudget(t Tokenizer, parts []string, budget int) ([]string, error) {
	if budget <= 0 || len(parts) == 0 {
		return parts, nil
	}

	kept := make([]string, 0, len(parts))
	remaining := budget
	for i := len(parts) - 1; i >= 0; i-- {
		n, err := t.CountTokens(parts[i])
		if err != nil {
			return nil, err
		}
		if n <= remaining {
			kept = append(kept, parts[i])
			remaining -= n
			continue
		}
		if remaining > 0 {
			cut, err := t.Truncate(parts[i], remaining)
			if err != nil {
				return nil, err
			}
			if cut != "" {
				kept = append(kept, cut)
			}
		}
		break
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}
