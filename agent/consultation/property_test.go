package consultation

import (
	"context"
	"fmt"
	"testing"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 无论模式、轮数和人数如何，已关闭轮次的序号从 0 开始连续，汇总与轮次一致
func TestProperty_RoundIndicesAreGapless(t *testing.T) {
	provider := &testProvider{completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return reply(fmt.Sprintf("answer from %s in round %s", agentOf(req), roundOf(req)))
	}}
	h := newHarness(t, provider, harnessOpts{}, "g1", "g2", "g3", "g4")
	modes := []Mode{ModeSequential, ModeParallel, ModeConversational, ModeHierarchical}
	ids := []string{"g1", "g2", "g3", "g4"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("closed rounds are numbered 0..n-1 without gaps", prop.ForAll(
		func(modeIdx, maxRounds, panelSize int) bool {
			res, err := h.svc.StartConsultation(context.Background(), StartRequest{
				Question:    "How should we manage stage 2 hypertension?",
				Mode:        modes[modeIdx],
				Experts:     experts(ids[:panelSize]...),
				MaxRounds:   maxRounds,
				AllowDebate: boolPtr(true),
			})
			if err != nil {
				t.Logf("start failed: %v", err)
				return false
			}
			events := collect(t, res.Events)
			if len(events) == 0 || events[len(events)-1].Type != streaming.EventSessionCompleted {
				t.Logf("unexpected terminal event: %v", eventTypes(events))
				return false
			}

			sess, err := h.svc.GetSession(context.Background(), res.SessionID)
			if err != nil {
				return false
			}
			if len(sess.Rounds) != maxRounds || sess.Summary == nil || sess.Summary.Rounds != len(sess.Rounds) {
				return false
			}
			for i, r := range sess.Rounds {
				if r.Index != i {
					return false
				}
			}
			return sess.FinalAnswer != ""
		},
		gen.IntRange(0, len(modes)-1),
		gen.IntRange(1, 4),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
