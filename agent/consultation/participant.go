package consultation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/telemetry"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/retry"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EvidenceSupplier 可选的证据检索接口，返回的引用附加到专家产出上
type EvidenceSupplier interface {
	RetrieveEvidence(ctx context.Context, question, persona string) ([]Citation, error)
}

// DeltaPayload agent_output_delta 事件负载
type DeltaPayload struct {
	AgentID string `json:"agent_id"`
	Delta   string `json:"delta"`
	Attempt int    `json:"attempt"`
}

// ErrorPayload error 事件负载
type ErrorPayload struct {
	AgentID string `json:"agent_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var confidencePattern = regexp.MustCompile(`(?im)confidence\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)\s*(%)?`)

// parseConfidence 从回答中提取置信度，百分比或大于 1 的数值按百分制换算
func parseConfidence(content string) *float64 {
	m := confidencePattern.FindAllStringSubmatch(content, -1)
	if len(m) == 0 {
		return nil
	}
	last := m[len(m)-1]
	v, err := strconv.ParseFloat(last[1], 64)
	if err != nil {
		return nil
	}
	if last[2] == "%" || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return nil
	}
	return &v
}

// =============================================================================
// 🧑‍⚕️ 专家调用
// =============================================================================

// callParticipant 调用一位专家并返回其产出。
// 单个专家失败记录在产出里；只有会话 ctx 结束时返回错误，本轮随之作废。
func (o *Orchestrator) callParticipant(ctx context.Context, run *sessionRun, agent panel.AgentDefinition, t turn, subquestion string, synthesis bool) (Contribution, error) {
	contrib := Contribution{
		AgentID:     agent.AgentID,
		AgentName:   agent.Name,
		Subquestion: subquestion,
		Synthesis:   synthesis,
	}
	t.subquestion = subquestion
	t.evidence = run.evidenceFor(ctx, o, agent)
	contrib.Citations = t.evidence

	msgs, err := o.prompts.messages(agent, t)
	if err != nil {
		return Contribution{}, err
	}
	req := &llm.ChatRequest{
		TraceID:     run.traceID,
		TenantID:    run.tenantID,
		Model:       agent.Model.Model,
		Messages:    msgs,
		MaxTokens:   agent.Model.MaxTokens,
		Temperature: float32(agent.Model.Temperature),
		Metadata: map[string]string{
			"session_id": run.sessionID,
			"agent_id":   agent.AgentID,
			"round":      strconv.Itoa(t.round),
		},
	}

	ctx, span := telemetry.StartSpan(ctx, "consultation.participant",
		attribute.String("session.id", run.sessionID),
		attribute.String("agent.id", agent.AgentID),
		attribute.Int("round.index", t.round),
		attribute.Bool("synthesis", synthesis),
	)

	start := o.now()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		telemetry.EndSpan(span, err)
		return Contribution{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ParticipantTimeout)
	attempt := 0
	content, callErr := retry.DoWithResultTyped(o.retryer, callCtx, func() (string, error) {
		attempt++
		return o.invoke(callCtx, run, agent.AgentID, t.round, req, attempt)
	})
	cancel()
	o.sem.Release(1)
	latency := o.now().Sub(start)
	contrib.LatencyMs = latency.Milliseconds()

	if ctx.Err() != nil {
		telemetry.EndSpan(span, ctx.Err())
		return Contribution{}, ctx.Err()
	}

	model := agent.Model.Model
	if model == "" {
		model = "default"
	}

	if callErr == nil && strings.TrimSpace(content) == "" {
		callErr = fmt.Errorf("model returned an empty answer")
	}
	switch {
	case callErr == nil:
		contrib.Status = ContributionOK
		contrib.Content = strings.TrimSpace(content)
		contrib.Confidence = parseConfidence(content)
	case isTimeout(callErr):
		contrib.Status = ContributionTimeout
		contrib.Error = fmt.Sprintf("no answer within %s", o.cfg.ParticipantTimeout)
	default:
		contrib.Status = ContributionError
		contrib.Error = callErr.Error()
	}

	o.metrics.RecordParticipantCall(model, string(contrib.Status), latency)
	if contrib.Status != ContributionOK {
		o.logger.Warn("participant call failed",
			zap.String("session_id", run.sessionID),
			zap.String("agent_id", agent.AgentID),
			zap.Int("round", t.round),
			zap.String("status", string(contrib.Status)),
			zap.Int("attempts", attempt),
			zap.Error(callErr),
		)
		run.publish(streaming.EventError, t.round, ErrorPayload{
			AgentID: agent.AgentID,
			Code:    string(types.ErrParticipantFailed),
			Message: contrib.Error,
		})
	}

	run.publish(streaming.EventAgentOutputComplete, t.round, contrib)
	span.SetAttributes(attribute.String("contribution.status", string(contrib.Status)))
	telemetry.EndSpan(span, callErr)
	return contrib, nil
}

// invoke 一次模型调用。流式时逐段发出 agent_output_delta。
func (o *Orchestrator) invoke(ctx context.Context, run *sessionRun, agentID string, round int, req *llm.ChatRequest, attempt int) (string, error) {
	if !o.cfg.StreamDeltas {
		resp, err := o.provider.Completion(ctx, req)
		if err != nil {
			return "", err
		}
		choice, err := llm.FirstChoice(resp)
		if err != nil {
			return "", err
		}
		return choice.Message.Content, nil
	}

	ch, err := o.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	text, err := llm.CollectStream(ch, func(delta string) {
		run.publish(streaming.EventAgentOutputDelta, round, DeltaPayload{AgentID: agentID, Delta: delta, Attempt: attempt})
	})
	if err != nil {
		return "", err
	}
	// Provider 在 ctx 结束时可能直接关闭通道
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return text, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) && llmErr.Code == llm.ErrUpstreamTimeout {
		return true
	}
	return false
}

// newParticipantRetryer 只重试标记为可重试的模型错误
func newParticipantRetryer(cfg Config, logger *zap.Logger) retry.Retryer {
	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.InitialDelay = cfg.RetryInitialDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.ShouldRetry = llm.IsRetryable
	return retry.NewBackoffRetryer(policy, logger)
}

// evidenceTimeout 证据检索的单次上限
const evidenceTimeout = 10 * time.Second
