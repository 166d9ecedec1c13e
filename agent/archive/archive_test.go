package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func sampleSession(id, tenant string, created time.Time) *consultation.Session {
	conf := 0.8
	score := 0.72
	done := created.Add(3 * time.Second)
	return &consultation.Session{
		ID:       id,
		TenantID: tenant,
		Question: "Should we run an adaptive phase II design?",
		Mode:     consultation.ModeConversational,
		Participants: []panel.AgentDefinition{
			{AgentID: "expert-clinical", Name: "Clinical Strategist", Model: catalog.ModelParams{Model: "gpt-4o"}},
			{AgentID: "expert-biostat", Name: "Biostatistician"},
		},
		PanelSource: panel.SourceExplicit,
		Options:     consultation.Options{MaxRounds: 2, AllowDebate: true, ConsensusThreshold: 0.8},
		Status:      consultation.StatusCompleted,
		Rounds: []consultation.Round{{
			Index: 0,
			Order: []string{"expert-clinical", "expert-biostat"},
			Contributions: map[string]consultation.Contribution{
				"expert-clinical": {AgentID: "expert-clinical", Content: "Yes.", Confidence: &conf, Status: consultation.ContributionOK},
				"expert-biostat":  {AgentID: "expert-biostat", Status: consultation.ContributionTimeout, Error: "timed out"},
			},
			Consensus: consultation.ConsensusResult{Score: 1, Method: consultation.MethodSingle},
		}},
		FinalAnswer: "Yes.",
		Summary:     &consultation.Summary{Rounds: 1, OkContributions: 1, TimedOutContributions: 1, FinalConsensus: &score},
		CreatedAt:   created,
		CompletedAt: &done,
	}
}

func setupGormArchive(t *testing.T) *GormArchive {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&sessionRow{}))
	return NewGormArchive(db, zap.NewNop())
}

func TestGormArchive_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a := setupGormArchive(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	orig := sampleSession("s-1", "tenant-a", created)

	require.NoError(t, a.Save(ctx, orig))

	got, err := a.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, orig.Question, got.Question)
	assert.Equal(t, consultation.ModeConversational, got.Mode)
	assert.Equal(t, consultation.StatusCompleted, got.Status)
	assert.Equal(t, panel.SourceExplicit, got.PanelSource)
	assert.Equal(t, orig.Options, got.Options)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, "gpt-4o", got.Participants[0].Model.Model)
	require.Len(t, got.Rounds, 1)
	assert.Equal(t, []string{"expert-clinical", "expert-biostat"}, got.Rounds[0].Order)
	c := got.Rounds[0].Contributions["expert-clinical"]
	require.NotNil(t, c.Confidence)
	assert.InDelta(t, 0.8, *c.Confidence, 1e-9)
	assert.Equal(t, consultation.ContributionTimeout, got.Rounds[0].Contributions["expert-biostat"].Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 1, got.Summary.TimedOutContributions)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(*orig.CompletedAt))
}

func TestGormArchive_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	a := setupGormArchive(t)
	s := sampleSession("s-1", "tenant-a", time.Now().UTC())
	require.NoError(t, a.Save(ctx, s))

	s.Status = consultation.StatusCancelled
	s.FailureReason = "cancelled by caller"
	require.NoError(t, a.Save(ctx, s))

	got, err := a.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled by caller", got.FailureReason)
}

func TestGormArchive_NotFound(t *testing.T) {
	a := setupGormArchive(t)
	_, err := a.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, consultation.ErrNotArchived))

	assert.Error(t, a.Save(context.Background(), &consultation.Session{}))
}

func TestGormArchive_ListByTenant(t *testing.T) {
	ctx := context.Background()
	a := setupGormArchive(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, a.Save(ctx, sampleSession("old", "tenant-a", base)))
	require.NoError(t, a.Save(ctx, sampleSession("new", "tenant-a", base.Add(time.Hour))))
	require.NoError(t, a.Save(ctx, sampleSession("other", "tenant-b", base)))

	list, err := a.ListByTenant(ctx, "tenant-a", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	limited, err := a.ListByTenant(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSessionDocument_RoundTrip(t *testing.T) {
	orig := sampleSession("s-9", "tenant-a", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	doc, err := documentFromSession(orig)
	require.NoError(t, err)
	assert.Equal(t, "s-9", doc.ID)
	assert.Equal(t, "completed", doc.Status)
	assert.Equal(t, 1, doc.Rounds)

	got, err := doc.toSession()
	require.NoError(t, err)
	assert.Equal(t, orig.FinalAnswer, got.FinalAnswer)
	assert.Equal(t, orig.Rounds[0].Order, got.Rounds[0].Order)
	assert.Equal(t, *orig.Summary.FinalConsensus, *got.Summary.FinalConsensus)

	bad := sessionDocument{ID: "broken", Payload: "{"}
	_, err = bad.toSession()
	assert.Error(t, err)
}
