package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// profileRow agent_profiles 表的行映射
type profileRow struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	Name               string    `gorm:"column:name"`
	Role               string    `gorm:"column:role"`
	SystemInstructions string    `gorm:"column:system_instructions"`
	Capabilities       []string  `gorm:"column:capabilities;serializer:json;type:text"`
	Domains            []string  `gorm:"column:domains;serializer:json;type:text"`
	Tier               int       `gorm:"column:tier"`
	Status             string    `gorm:"column:status"`
	Model              string    `gorm:"column:model"`
	Temperature        float64   `gorm:"column:temperature"`
	MaxTokens          int       `gorm:"column:max_tokens"`
	Embedding          []float64 `gorm:"column:embedding;serializer:json;type:text"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (profileRow) TableName() string { return "agent_profiles" }

func (r *profileRow) toProfile() AgentProfile {
	return AgentProfile{
		ID:                 r.ID,
		Name:               r.Name,
		Role:               r.Role,
		SystemInstructions: r.SystemInstructions,
		Capabilities:       r.Capabilities,
		Domains:            r.Domains,
		Tier:               r.Tier,
		Status:             Status(r.Status),
		Model: ModelParams{
			Model:       r.Model,
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		},
		Embedding: r.Embedding,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func rowFromProfile(p AgentProfile) profileRow {
	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}
	domains := p.Domains
	if domains == nil {
		domains = []string{}
	}
	return profileRow{
		ID:                 p.ID,
		Name:               p.Name,
		Role:               p.Role,
		SystemInstructions: p.SystemInstructions,
		Capabilities:       caps,
		Domains:            domains,
		Tier:               p.Tier,
		Status:             string(p.Status),
		Model:              p.Model.Model,
		Temperature:        p.Model.Temperature,
		MaxTokens:          p.Model.MaxTokens,
		Embedding:          p.Embedding,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

// GormStore 基于 GORM 的目录存储，表结构由 internal/migration 维护。
// 层级与状态过滤下推到 SQL，标签过滤在内存完成（JSON 列在各方言下语法不同）。
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore 创建 GORM 目录存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "catalog_store")),
	}
}

func (s *GormStore) GetByID(ctx context.Context, id string) (*AgentProfile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent profile %s: %w", id, err)
	}
	p := row.toProfile()
	return &p, nil
}

func (s *GormStore) Query(ctx context.Context, filters Filters) ([]AgentProfile, error) {
	q := s.db.WithContext(ctx).Model(&profileRow{})
	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, st := range filters.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if len(filters.Tiers) > 0 {
		q = q.Where("tier IN ?", filters.Tiers)
	}
	if filters.MinTier != 0 {
		q = q.Where("tier >= ?", filters.MinTier)
	}

	var rows []profileRow
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query agent profiles: %w", err)
	}

	out := make([]AgentProfile, 0, len(rows))
	for i := range rows {
		p := rows[i].toProfile()
		if filters.Matches(&p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	s.logger.Debug("catalog query",
		zap.Int("rows", len(rows)),
		zap.Int("matched", len(out)))
	return out, nil
}

// Upsert 写入或更新档案。目录对咨询核心只读，此方法供种子数据与运维工具使用。
func (s *GormStore) Upsert(ctx context.Context, p AgentProfile) error {
	if p.ID == "" {
		return fmt.Errorf("agent profile id is required")
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid agent status %q", p.Status)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	row := rowFromProfile(p)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("upsert agent profile %s: %w", p.ID, err)
	}
	return nil
}
