package panel

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"go.uber.org/zap"
)

// MaxSize 专家组人数上限
const MaxSize = 8

// Source 专家组的来源
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceAuto     Source = "auto"
)

// AgentDefinition 入组专家的不可变定义，作为编排器输入
type AgentDefinition struct {
	AgentID            string              `json:"agent_id"`
	Name               string              `json:"name"`
	Role               string              `json:"role"`
	SystemInstructions string              `json:"system_instructions"`
	Model              catalog.ModelParams `json:"model"`
	Tier               int                 `json:"tier"`
}

// DefinitionFrom 从目录档案构造专家定义
func DefinitionFrom(p *catalog.AgentProfile) AgentDefinition {
	return AgentDefinition{
		AgentID:            p.ID,
		Name:               p.Name,
		Role:               p.Role,
		SystemInstructions: p.SystemInstructions,
		Model:              p.Model,
		Tier:               p.Tier,
	}
}

// Panel 组建结果
type Panel struct {
	Agents    []AgentDefinition `json:"agents"`
	Source    Source            `json:"source"`
	Retrieval *discovery.Result `json:"retrieval,omitempty"`
}

// IDs 按入组顺序返回专家 ID
func (p *Panel) IDs() []string {
	ids := make([]string, len(p.Agents))
	for i, a := range p.Agents {
		ids[i] = a.AgentID
	}
	return ids
}

// Request 组建请求。Experts 非空时为显式模式，否则按 Question 自动检索。
type Request struct {
	Experts       []ExpertRef     `json:"experts,omitempty"`
	Question      string          `json:"question,omitempty"`
	PanelSize     int             `json:"panel_size,omitempty"`
	MinSimilarity float64         `json:"min_similarity,omitempty"`
	Filters       catalog.Filters `json:"filters,omitempty"`
}

// Searcher 自动组建时使用的检索接口，由 discovery.Engine 实现
type Searcher interface {
	Search(ctx context.Context, q discovery.Query) (*discovery.Result, error)
}

// =============================================================================
// 🧩 专家组组建
// =============================================================================

// Composer 校验显式专家或委托检索引擎自动选人
type Composer struct {
	store    catalog.Store
	searcher Searcher
	logger   *zap.Logger
}

// NewComposer 创建组建器。searcher 为 nil 时只支持显式模式。
func NewComposer(store catalog.Store, searcher Searcher, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		store:    store,
		searcher: searcher,
		logger:   logger.With(zap.String("component", "panel_composer")),
	}
}

// Compose 组建专家组
func (c *Composer) Compose(ctx context.Context, req Request) (*Panel, error) {
	if len(req.Experts) > 0 {
		return c.composeExplicit(ctx, req.Experts)
	}
	return c.composeAuto(ctx, req)
}

// composeExplicit 去重后逐一校验；任何一个专家不可用都使整个组建失败
func (c *Composer) composeExplicit(ctx context.Context, refs []ExpertRef) (*Panel, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		id, err := ref.ResolveID()
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithHTTPStatus(400)
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > MaxSize {
		return nil, types.Errorf(types.ErrInvalidRequest, "panel must have between 1 and %d experts, got %d", MaxSize, len(ids)).WithHTTPStatus(400)
	}

	agents := make([]AgentDefinition, 0, len(ids))
	var unavailable []string
	for _, id := range ids {
		p, err := c.store.GetByID(ctx, id)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			unavailable = append(unavailable, id+" (not found)")
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewError(types.ErrRetrievalUnavailable, "agent catalog unavailable").
				WithCause(err).WithHTTPStatus(503).WithRetryable(true)
		}
		if !p.Status.Selectable() {
			unavailable = append(unavailable, id+" ("+string(p.Status)+")")
			continue
		}
		agents = append(agents, DefinitionFrom(p))
	}

	if len(unavailable) > 0 {
		c.logger.Info("explicit panel rejected", zap.Strings("unavailable", unavailable))
		return nil, types.Errorf(types.ErrAgentUnavailable, "experts unavailable: %s", strings.Join(unavailable, ", ")).WithHTTPStatus(422)
	}

	return &Panel{Agents: agents, Source: SourceExplicit}, nil
}

func (c *Composer) composeAuto(ctx context.Context, req Request) (*Panel, error) {
	if c.searcher == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "experts are required: automatic selection is not configured").WithHTTPStatus(400)
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "question is required for automatic panel selection").WithHTTPStatus(400)
	}
	if req.PanelSize < 1 || req.PanelSize > MaxSize {
		return nil, types.Errorf(types.ErrInvalidRequest, "panel_size must be between 1 and %d, got %d", MaxSize, req.PanelSize).WithHTTPStatus(400)
	}

	res, err := c.searcher.Search(ctx, discovery.Query{
		Text:          req.Question,
		TopK:          req.PanelSize,
		MinSimilarity: req.MinSimilarity,
		Filters:       req.Filters,
	})
	if err != nil {
		return nil, err
	}

	agents := make([]AgentDefinition, 0, len(res.Entries))
	for i := range res.Entries {
		p := &res.Entries[i].Profile
		if !p.Status.Selectable() {
			continue
		}
		agents = append(agents, DefinitionFrom(p))
	}
	if len(agents) == 0 {
		return nil, types.NewError(types.ErrNoCandidates, "no experts matched the question").WithHTTPStatus(404)
	}

	c.logger.Debug("auto panel composed",
		zap.Int("requested", req.PanelSize),
		zap.Int("selected", len(agents)))

	return &Panel{Agents: agents, Source: SourceAuto, Retrieval: res}, nil
}
