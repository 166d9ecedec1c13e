package catalog

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// Status 专家档案状态
type Status string

const (
	StatusActive   Status = "active"
	StatusTesting  Status = "testing"
	StatusInactive Status = "inactive"
)

// Valid 报告状态是否为已知取值
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTesting, StatusInactive:
		return true
	}
	return false
}

// Selectable 报告该状态的专家能否进入专家组
func (s Status) Selectable() bool {
	return s == StatusActive || s == StatusTesting
}

// ErrNotFound 档案不存在
var ErrNotFound = errors.New("agent profile not found")

// ModelParams 专家调用模型时使用的参数
type ModelParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// AgentProfile 目录中的一个专家。对本服务只读。
type AgentProfile struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Role               string      `json:"role"`
	SystemInstructions string      `json:"system_instructions"`
	Capabilities       []string    `json:"capabilities"`
	Domains            []string    `json:"domains"`
	Tier               int         `json:"tier"`
	Status             Status      `json:"status"`
	Model              ModelParams `json:"model"`
	Embedding          []float64   `json:"-"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// HasCapability 大小写不敏感地判断是否具备某能力标签
func (p *AgentProfile) HasCapability(tag string) bool {
	return containsFold(p.Capabilities, tag)
}

// HasDomain 大小写不敏感地判断是否覆盖某知识领域
func (p *AgentProfile) HasDomain(tag string) bool {
	return containsFold(p.Domains, tag)
}

// Clone 返回深拷贝
func (p AgentProfile) Clone() AgentProfile {
	p.Capabilities = slices.Clone(p.Capabilities)
	p.Domains = slices.Clone(p.Domains)
	p.Embedding = slices.Clone(p.Embedding)
	return p
}

// Filters 元数据过滤条件。空字段表示不限制。
//
// Tiers 与 Statuses 为集合匹配；MinTier 为下界；Domains 命中任意一个即可；
// Capabilities 要求全部具备。
type Filters struct {
	Tiers        []int    `json:"tiers,omitempty"`
	MinTier      int      `json:"min_tier,omitempty"`
	Statuses     []Status `json:"statuses,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Matches 判断档案是否通过全部过滤条件
func (f Filters) Matches(p *AgentProfile) bool {
	if len(f.Tiers) > 0 && !slices.Contains(f.Tiers, p.Tier) {
		return false
	}
	if p.Tier < f.MinTier {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	if len(f.Domains) > 0 {
		hit := false
		for _, d := range f.Domains {
			if p.HasDomain(d) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, c := range f.Capabilities {
		if !p.HasCapability(c) {
			return false
		}
	}
	return true
}

// Store 专家目录的只读访问接口
type Store interface {
	// GetByID 返回指定档案；不存在时返回 ErrNotFound
	GetByID(ctx context.Context, id string) (*AgentProfile, error)
	// Query 返回满足过滤条件的档案，按 ID 升序
	Query(ctx context.Context, filters Filters) ([]AgentProfile, error)
}

func containsFold(list []string, tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, v := range list {
		if strings.EqualFold(v, tag) {
			return true
		}
	}
	return false
}
