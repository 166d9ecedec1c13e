package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sessionRow consultation_sessions 表的行映射
type sessionRow struct {
	ID            string                  `gorm:"column:id;primaryKey"`
	TenantID      string                  `gorm:"column:tenant_id;index"`
	Question      string                  `gorm:"column:question"`
	Mode          string                  `gorm:"column:mode"`
	Status        string                  `gorm:"column:status;index"`
	PanelSource   string                  `gorm:"column:panel_source"`
	Participants  []panel.AgentDefinition `gorm:"column:participants;serializer:json;type:text"`
	Options       consultation.Options    `gorm:"column:options;serializer:json;type:text"`
	Rounds        []consultation.Round    `gorm:"column:rounds;serializer:json;type:text"`
	Summary       consultation.Summary    `gorm:"column:summary;serializer:json;type:text"`
	FinalAnswer   string                  `gorm:"column:final_answer"`
	FailureReason string                  `gorm:"column:failure_reason"`
	CreatedAt     time.Time               `gorm:"column:created_at"`
	CompletedAt   *time.Time              `gorm:"column:completed_at"`
}

func (sessionRow) TableName() string { return "consultation_sessions" }

func rowFromSession(s *consultation.Session) sessionRow {
	row := sessionRow{
		ID:            s.ID,
		TenantID:      s.TenantID,
		Question:      s.Question,
		Mode:          string(s.Mode),
		Status:        string(s.Status),
		PanelSource:   string(s.PanelSource),
		Participants:  s.Participants,
		Options:       s.Options,
		Rounds:        s.Rounds,
		FinalAnswer:   s.FinalAnswer,
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt,
		CompletedAt:   s.CompletedAt,
	}
	if row.Participants == nil {
		row.Participants = []panel.AgentDefinition{}
	}
	if row.Rounds == nil {
		row.Rounds = []consultation.Round{}
	}
	if s.Summary != nil {
		row.Summary = *s.Summary
	}
	return row
}

func (r *sessionRow) toSession() *consultation.Session {
	summary := r.Summary
	rounds := r.Rounds
	if rounds == nil {
		rounds = []consultation.Round{}
	}
	return &consultation.Session{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Question:      r.Question,
		Mode:          consultation.Mode(r.Mode),
		Participants:  r.Participants,
		PanelSource:   panel.Source(r.PanelSource),
		Options:       r.Options,
		Status:        consultation.Status(r.Status),
		Rounds:        rounds,
		FinalAnswer:   r.FinalAnswer,
		FailureReason: r.FailureReason,
		Summary:       &summary,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// =============================================================================
// 🗄️ GORM 归档
// =============================================================================

// GormArchive 基于 GORM 的会话归档
type GormArchive struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ consultation.Archive = (*GormArchive)(nil)

// NewGormArchive 创建 GORM 归档
func NewGormArchive(db *gorm.DB, logger *zap.Logger) *GormArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormArchive{
		db:     db,
		logger: logger.With(zap.String("component", "session_archive"), zap.String("backend", "gorm")),
	}
}

// Save 写入终态会话，同一会话重复写入时覆盖
func (a *GormArchive) Save(ctx context.Context, s *consultation.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	row := rowFromSession(s)
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	a.logger.Debug("session archived",
		zap.String("session_id", s.ID),
		zap.String("status", row.Status),
		zap.Int("rounds", len(row.Rounds)))
	return nil
}

// Get 读取归档会话，不存在时返回 consultation.ErrNotArchived
func (a *GormArchive) Get(ctx context.Context, id string) (*consultation.Session, error) {
	var row sessionRow
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", consultation.ErrNotArchived, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load archived session %s: %w", id, err)
	}
	return row.toSession(), nil
}

// ListByTenant 按创建时间倒序列出租户的归档会话
func (a *GormArchive) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*consultation.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sessionRow
	err := a.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	out := make([]*consultation.Session, len(rows))
	for i := range rows {
		out[i] = rows[i].toSession()
	}
	return out, nil
}
