package consultation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/tokenizer"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testSearcher struct {
	searchFn func(ctx context.Context, q discovery.Query) (*discovery.Result, error)
}

func (s *testSearcher) Search(ctx context.Context, q discovery.Query) (*discovery.Result, error) {
	return s.searchFn(ctx, q)
}

func TestStartConsultation_Validation(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("ok")
	}}
	h := newHarness(t, provider, harnessOpts{}, "v1", "v2")

	tests := []struct {
		name string
		req  StartRequest
		code types.ErrorCode
	}{
		{"empty question", StartRequest{Question: "  ", Mode: ModeParallel, Experts: experts("v1")}, types.ErrInvalidRequest},
		{"question too long", StartRequest{Question: strings.Repeat("é", 4001), Mode: ModeParallel, Experts: experts("v1")}, types.ErrInvalidRequest},
		{"unknown mode", StartRequest{Question: "q", Mode: "roundtable", Experts: experts("v1")}, types.ErrInvalidRequest},
		{"max rounds above limit", StartRequest{Question: "q", Mode: ModeParallel, Experts: experts("v1"), MaxRounds: 21}, types.ErrInvalidRequest},
		{"negative max rounds", StartRequest{Question: "q", Mode: ModeParallel, Experts: experts("v1"), MaxRounds: -1}, types.ErrInvalidRequest},
		{"threshold above one", StartRequest{Question: "q", Mode: ModeParallel, Experts: experts("v1"), ConsensusThreshold: floatPtr(1.5)}, types.ErrInvalidRequest},
		{"lead outside hierarchical", StartRequest{Question: "q", Mode: ModeParallel, Experts: experts("v1"), LeadAgentID: "v1"}, types.ErrInvalidRequest},
		{"lead not on panel", StartRequest{Question: "q", Mode: ModeHierarchical, Experts: experts("v1"), LeadAgentID: "v2"}, types.ErrInvalidRequest},
		{"too many experts", StartRequest{Question: "q", Mode: ModeParallel, Experts: experts("1", "2", "3", "4", "5", "6", "7", "8", "9")}, types.ErrInvalidRequest},
		{"unknown expert", StartRequest{Question: "q", Mode: ModeParallel, Experts: experts("v1", "ghost")}, types.ErrAgentUnavailable},
		{"auto without retrieval", StartRequest{Question: "q", Mode: ModeParallel}, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.svc.StartConsultation(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
	assert.Equal(t, 0, h.svc.ActiveSessions())
	assert.Empty(t, h.provider.requests)
}

func TestStartConsultation_AutoPanelUsesRetrieval(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("auto answer")
	}}
	profiles := testProfiles("x1", "x2", "x3", "x4")
	store := catalog.NewMemoryStore(profiles...)
	var seen discovery.Query
	searcher := &testSearcher{searchFn: func(ctx context.Context, q discovery.Query) (*discovery.Result, error) {
		seen = q
		return &discovery.Result{QueryText: q.Text, Entries: []discovery.Match{
			{Profile: profiles[2], Score: 0.9},
			{Profile: profiles[0], Score: 0.8},
			{Profile: profiles[1], Score: 0.75},
		}}, nil
	}}
	cfg := DefaultConfig()
	orch := NewOrchestrator(cfg, Dependencies{Provider: provider})
	svc := NewService(cfg, panel.NewComposer(store, searcher, zap.NewNop()), searcher, orch)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	res, err := svc.StartConsultation(context.Background(), StartRequest{
		Question: "clinical trial design", Mode: ModeParallel, MaxRounds: 1,
	})
	require.NoError(t, err)
	collect(t, res.Events)

	assert.Equal(t, defaultPanelSize, seen.TopK)
	assert.Equal(t, panel.SourceAuto, res.Panel.Source)
	assert.Equal(t, []string{"x3", "x1", "x2"}, res.Panel.IDs())

	rec, err := svc.GetRecommendations(context.Background(), RecommendRequest{Query: "clinical trial design", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, rec.Entries, 3)
	assert.Equal(t, 2, seen.TopK)
}

func TestGetRecommendations_NotConfigured(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("ok")
	}}
	h := newHarness(t, provider, harnessOpts{}, "n1")

	_, err := h.svc.GetRecommendations(context.Background(), RecommendRequest{Query: "q"})
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
}

func TestCancelSession(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return blockUntilDone(ctx)
	}}
	h := newHarness(t, provider, harnessOpts{}, "k1", "k2")

	res, err := h.svc.StartConsultation(context.Background(), StartRequest{
		Question: "q", Mode: ModeParallel, Experts: experts("k1", "k2"),
	})
	require.NoError(t, err)
	waitFor(t, res.Events, streaming.EventRoundStarted)

	late, err := h.svc.Subscribe(res.SessionID)
	require.NoError(t, err)

	ack, err := h.svc.CancelSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, ack.Status)
	assert.False(t, ack.AlreadyTerminal)

	rest := collect(t, res.Events)
	require.NotEmpty(t, rest)
	assert.Equal(t, streaming.EventSessionCancelled, rest[len(rest)-1].Type)

	lateEvents := collect(t, late)
	require.NotEmpty(t, lateEvents)
	assert.Equal(t, streaming.EventSessionCancelled, lateEvents[len(lateEvents)-1].Type)
	for _, ev := range lateEvents {
		assert.NotEqual(t, streaming.EventRoundStarted, ev.Type, "late subscriber must not see replayed events")
	}

	sess, err := h.svc.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sess.Status)
	assert.Empty(t, sess.Rounds, "partially collected round is discarded")
	assert.Equal(t, "cancelled by caller", sess.FailureReason)

	again, err := h.svc.CancelSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyTerminal)
	assert.Equal(t, StatusCancelled, again.Status)

	_, err = h.svc.Subscribe(res.SessionID)
	assert.True(t, types.IsCode(err, types.ErrSessionTerminal))
}

func TestUnknownSession(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("ok")
	}}
	h := newHarness(t, provider, harnessOpts{}, "u1")

	_, err := h.svc.CancelSession(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
	_, err = h.svc.GetSession(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
	_, err = h.svc.Subscribe("missing")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
	_, err = h.svc.ResolveCheckpoint(context.Background(), "missing", true, "", "")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
}

func TestResolveCheckpoint_NotPending(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return blockUntilDone(ctx)
	}}
	h := newHarness(t, provider, harnessOpts{}, "p1")

	res, err := h.svc.StartConsultation(context.Background(), StartRequest{
		Question: "q", Mode: ModeParallel, Experts: experts("p1"),
	})
	require.NoError(t, err)
	waitFor(t, res.Events, streaming.EventRoundStarted)

	_, err = h.svc.ResolveCheckpoint(context.Background(), res.SessionID, true, "", "")
	assert.True(t, types.IsCode(err, types.ErrCheckpointNotPending))
}

func TestTerminalSessionsAreArchivedAndReleased(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("archived answer")
	}}
	archive := newTestArchive()
	h := newHarness(t, provider, harnessOpts{
		archive: archive,
		config:  func(c *Config) { c.SessionRetention = 20 * time.Millisecond },
	}, "a1")

	res, err := h.svc.StartConsultation(context.Background(), StartRequest{
		Question: "q", Mode: ModeParallel, Experts: experts("a1"), MaxRounds: 1,
	})
	require.NoError(t, err)
	collect(t, res.Events)

	assert.Eventually(t, func() bool {
		_, live := h.svc.lookup(res.SessionID)
		return !live
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := h.svc.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, "archived answer", sess.FinalAnswer)

	ack, err := h.svc.CancelSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, ack.AlreadyTerminal)
}

func TestClose_CancelsRunningSessions(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return blockUntilDone(ctx)
	}}
	h := newHarness(t, provider, harnessOpts{}, "z1")

	res, err := h.svc.StartConsultation(context.Background(), StartRequest{
		Question: "q", Mode: ModeParallel, Experts: experts("z1"),
	})
	require.NoError(t, err)
	waitFor(t, res.Events, streaming.EventRoundStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Close(ctx))

	sess, err := h.svc.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sess.Status)
	assert.Equal(t, "service shutting down", sess.FailureReason)

	_, err = h.svc.StartConsultation(context.Background(), StartRequest{
		Question: "q", Mode: ModeParallel, Experts: experts("z1"),
	})
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("Confidence: 70%")
	}}
	h := newHarness(t, provider, harnessOpts{}, "c1")

	res, err := h.svc.StartConsultation(context.Background(), StartRequest{
		Question: "q", Mode: ModeParallel, Experts: experts("c1"), MaxRounds: 1,
	})
	require.NoError(t, err)
	collect(t, res.Events)

	first, err := h.svc.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	c := first.Rounds[0].Contributions["c1"]
	*c.Confidence = 0
	first.Rounds[0].Order[0] = "mutated"

	second, err := h.svc.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, *second.Rounds[0].Contributions["c1"].Confidence, 1e-9)
	assert.Equal(t, "c1", second.Rounds[0].Order[0])
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ConsultationConfig{
		ParticipantTimeout: 30 * time.Second,
		MaxConcurrentCalls: 8,
		DefaultMaxRounds:   4,
		MaxRetries:         0,
		TokenizerModel:     "gpt-4o-mini",
	})
	assert.Equal(t, 30*time.Second, cfg.ParticipantTimeout)
	assert.Equal(t, int64(8), cfg.MaxConcurrentCalls)
	assert.Equal(t, 4, cfg.DefaultMaxRounds)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, "gpt-4o-mini", cfg.TokenizerModel)
	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 0.5, cfg.DisagreementThreshold)
	assert.False(t, cfg.StreamDeltas)

	assert.True(t, ConfigFrom(config.DefaultConsultationConfig()).StreamDeltas)
}

func TestConfig_WithDefaults(t *testing.T) {
	d := DefaultConfig()

	cfg := Config{}.withDefaults()
	assert.Equal(t, d.ParticipantTimeout, cfg.ParticipantTimeout)
	assert.Equal(t, d.SessionTimeout, cfg.SessionTimeout)
	assert.Equal(t, d.MaxConcurrentCalls, cfg.MaxConcurrentCalls)
	assert.Equal(t, d.DefaultMaxRounds, cfg.DefaultMaxRounds)
	assert.Equal(t, d.MaxRoundsLimit, cfg.MaxRoundsLimit)
	assert.Equal(t, d.MaxQuestionLength, cfg.MaxQuestionLength)
	assert.Equal(t, d.DisagreementThreshold, cfg.DisagreementThreshold)
	assert.Equal(t, d.SubscriberBuffer, cfg.SubscriberBuffer)
	assert.Equal(t, d.SessionRetention, cfg.SessionRetention)
	assert.Equal(t, 0, cfg.MaxRetries)

	cfg = Config{SessionTimeout: -time.Second, MaxRetries: -1, ParticipantTimeout: time.Second}.withDefaults()
	assert.Equal(t, d.SessionTimeout, cfg.SessionTimeout)
	assert.Equal(t, d.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.ParticipantTimeout)
}

func TestService_ZeroConfigRunsToCompletion(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply("zero config answer")
	}}
	orch := NewOrchestrator(Config{}, Dependencies{Provider: provider, Logger: zap.NewNop()})
	orch.prompts.tok = tokenizer.NewEstimatorTokenizer("test", 0)
	assert.Equal(t, DefaultConfig().SessionTimeout, orch.cfg.SessionTimeout)
	assert.Equal(t, DefaultConfig().ParticipantTimeout, orch.cfg.ParticipantTimeout)

	store := catalog.NewMemoryStore(testProfiles("z1", "z2")...)
	svc := NewService(Config{}, panel.NewComposer(store, nil, zap.NewNop()), nil, orch)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	res, err := svc.StartConsultation(context.Background(), StartRequest{
		Question:  "Does the zero config still run?",
		Mode:      ModeParallel,
		Experts:   experts("z1", "z2"),
		MaxRounds: 1,
	})
	require.NoError(t, err)
	events := collect(t, res.Events)
	assert.Equal(t, streaming.EventSessionCompleted, events[len(events)-1].Type)

	sess, err := svc.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	require.Len(t, sess.Rounds, 1)
	assert.Len(t, sess.Rounds[0].Contributions, 2)
}

func TestStartConsultation_StreamDeltasToggle(t *testing.T) {
	for _, stream := range []bool{true, false} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
				return reply("a complete answer")
			}}
			h := newHarness(t, provider, harnessOpts{
				config: func(c *Config) { c.StreamDeltas = stream },
			}, "s1", "s2")

			res, err := h.svc.StartConsultation(context.Background(), StartRequest{
				Question:  "Stream or not?",
				Mode:      ModeParallel,
				Experts:   experts("s1", "s2"),
				MaxRounds: 1,
			})
			require.NoError(t, err)
			events := collect(t, res.Events)

			sess, err := h.svc.GetSession(context.Background(), res.SessionID)
			require.NoError(t, err)
			require.Len(t, sess.Rounds, 1)
			assert.Equal(t, "a complete answer", sess.Rounds[0].Contributions["s1"].Content)

			provider.mu.Lock()
			streamCalls := provider.streamCalls
			provider.mu.Unlock()
			if stream {
				assert.Equal(t, 2, streamCalls)
				assert.Positive(t, countType(events, streaming.EventAgentOutputDelta))
			} else {
				assert.Zero(t, streamCalls)
				assert.Zero(t, countType(events, streaming.EventAgentOutputDelta))
			}
		})
	}
}
