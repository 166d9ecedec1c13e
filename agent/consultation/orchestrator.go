package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/telemetry"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/retry"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// RoundStartedPayload round_started 事件负载
type RoundStartedPayload struct {
	Mode         Mode     `json:"mode"`
	Participants []string `json:"participants"`
}

// CheckpointPayload checkpoint_required / checkpoint_resolved 事件负载
type CheckpointPayload struct {
	CheckpointID string    `json:"checkpoint_id"`
	Reason       string    `json:"reason,omitempty"`
	Deadline     time.Time `json:"deadline"`
	Approved     *bool     `json:"approved,omitempty"`
	TimedOut     bool      `json:"timed_out,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
}

// TerminalPayload session_completed / session_cancelled / session_failed 事件负载
type TerminalPayload struct {
	Status      Status  `json:"status"`
	FinalAnswer string  `json:"final_answer,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Code        string  `json:"code,omitempty"`
	Summary     Summary `json:"summary"`
}

// Dependencies 编排器的外部协作者。Provider 必填。
type Dependencies struct {
	Provider llm.Provider
	Embedder DocumentEmbedder
	Evidence EvidenceSupplier
	Gate     *hitl.Gate
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// =============================================================================
// 🎼 咨询编排器
// =============================================================================

// Orchestrator 驱动单个会话的轮次状态机。每个会话一个 goroutine 调用 Run。
//
// 所有会话共享一个 semaphore 限制模型调用并发；并行与辩论模式的扇出以专家组大小为上限。
type Orchestrator struct {
	provider  llm.Provider
	evidence  EvidenceSupplier
	gate      *hitl.Gate
	consensus *consensusEvaluator
	prompts   *promptBuilder
	retryer   retry.Retryer
	sem       *semaphore.Weighted
	cfg       Config
	metrics   *metrics.Collector
	otel      *otelMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "consultation_orchestrator"))
	cfg = cfg.withDefaults()

	om, err := newOtelMetrics()
	if err != nil {
		logger.Warn("otel instruments unavailable", zap.Error(err))
		om = nil
	}

	return &Orchestrator{
		provider:  deps.Provider,
		evidence:  deps.Evidence,
		gate:      deps.Gate,
		consensus: newConsensusEvaluator(deps.Embedder, cfg, logger),
		prompts:   newPromptBuilder(cfg),
		retryer:   newParticipantRetryer(cfg, logger),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		cfg:       cfg,
		metrics:   deps.Metrics,
		otel:      om,
		logger:    logger,
		now:       time.Now,
	}
}

// roundOutcome 一个已关闭轮次及其共识计算中间结果
type roundOutcome struct {
	round Round
	eval  evaluation
	ok    []Contribution
}

// Run 执行会话直到终态，然后关闭事件流。ctx 取消的 cause 决定是取消还是失败。
func (o *Orchestrator) Run(ctx context.Context, ls *liveSession) {
	defer close(ls.done)
	defer ls.stream.Close()

	sess := ls.snapshot()
	traceID, _ := types.TraceID(ctx)
	run := newSessionRun(ls, sess, traceID, o.logger)

	ctx, stop := context.WithTimeoutCause(ctx, o.cfg.SessionTimeout, errSessionTimeout)
	defer stop()
	ctx = types.WithSessionID(ctx, sess.ID)
	ctx, span := telemetry.StartSpan(ctx, "consultation.session",
		attribute.String("session.id", sess.ID),
		attribute.String("consultation.mode", string(sess.Mode)),
		attribute.Int("panel.size", len(sess.Participants)),
		attribute.Int("max_rounds", sess.Options.MaxRounds),
	)

	start := o.now()
	o.metrics.SessionStarted()
	o.otel.sessionStarted(ctx, sess.Mode)
	ls.update(func(s *Session) { s.Status = StatusRunning })

	run.logger.Info("consultation started",
		zap.String("mode", string(sess.Mode)),
		zap.Strings("participants", participantIDs(sess)),
		zap.Int("max_rounds", sess.Options.MaxRounds),
	)

	status, err := o.loop(ctx, run)

	elapsed := o.now().Sub(start)
	o.metrics.RecordConsultation(string(sess.Mode), string(status), elapsed)
	o.otel.sessionFinished(context.WithoutCancel(ctx), sess.Mode, status, elapsed)
	span.SetAttributes(attribute.String("consultation.status", string(status)))
	telemetry.EndSpan(span, err)

	run.logger.Info("consultation finished",
		zap.String("status", string(status)),
		zap.Duration("duration", elapsed),
	)
}

func (o *Orchestrator) loop(ctx context.Context, run *sessionRun) (Status, error) {
	var last *roundOutcome
	for n := 0; ; n++ {
		if ctx.Err() != nil {
			return o.interrupt(ctx, run, n-1)
		}

		out, err := o.runRound(ctx, run, n, last)
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupt(ctx, run, n-1)
			}
			return o.fail(run, n, err)
		}
		last = out

		switch {
		case ctx.Err() != nil:
			return o.interrupt(ctx, run, n)
		case n+1 >= run.opts.MaxRounds:
			return o.complete(run, last, "max_rounds_reached")
		case run.opts.RequireConsensus && out.round.Consensus.Score >= run.opts.ConsensusThreshold:
			return o.complete(run, last, "consensus_reached")
		case !run.opts.AllowDebate:
			return o.complete(run, last, "debate_disabled")
		}

		if run.opts.HumanCheckpoint && o.gate != nil {
			approved, err := o.checkpoint(ctx, run, n)
			if err != nil {
				if ctx.Err() != nil {
					return o.interrupt(ctx, run, n)
				}
				return o.fail(run, n, err)
			}
			if !approved {
				return o.complete(run, last, "checkpoint_rejected")
			}
		}
	}
}

// runRound 调度、收集并评估一轮。会话 ctx 结束时本轮作废，不写入会话。
func (o *Orchestrator) runRound(ctx context.Context, run *sessionRun, n int, prev *roundOutcome) (*roundOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "consultation.round",
		attribute.String("session.id", run.sessionID),
		attribute.Int("round.index", n),
	)

	started := o.now()
	ids := make([]string, len(run.participants))
	for i, p := range run.participants {
		ids[i] = p.AgentID
	}
	run.publish(streaming.EventRoundStarted, n, RoundStartedPayload{Mode: run.mode, Participants: ids})

	var previous []Contribution
	if prev != nil {
		previous = prev.ok
	}

	var (
		contribs []Contribution
		err      error
	)
	switch run.mode {
	case ModeSequential:
		contribs, err = o.dispatchSequential(ctx, run, n, previous)
	case ModeHierarchical:
		contribs, err = o.dispatchHierarchical(ctx, run, n, previous)
	default:
		contribs, err = o.dispatchConcurrent(ctx, run, n, previous)
	}
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}

	round := Round{
		Index:         n,
		Order:         make([]string, 0, len(contribs)),
		Contributions: make(map[string]Contribution, len(contribs)),
		StartedAt:     started,
	}
	ok := make([]Contribution, 0, len(contribs))
	for _, c := range contribs {
		round.Order = append(round.Order, c.AgentID)
		round.Contributions[c.AgentID] = c
		if c.OK() {
			ok = append(ok, c)
		}
	}
	if len(ok) == 0 {
		err := types.Errorf(types.ErrAllParticipantsFailed, "all %d participants failed in round %d", len(contribs), n).
			WithHTTPStatus(502)
		telemetry.EndSpan(span, err)
		return nil, err
	}

	ev := o.consensus.evaluate(ctx, ok)
	round.Consensus = ev.result
	round.CompletedAt = o.now()

	run.live.update(func(s *Session) {
		s.Rounds = append(s.Rounds, round.clone())
	})
	run.publish(streaming.EventRoundCompleted, n, ev.result)

	o.metrics.RecordRound(string(run.mode), ev.result.Method, ev.result.Score)
	o.otel.roundClosed(ctx, run.mode, ev.result)
	span.SetAttributes(
		attribute.Float64("consensus.score", ev.result.Score),
		attribute.String("consensus.method", ev.result.Method),
		attribute.Int("contributions.ok", len(ok)),
	)
	telemetry.EndSpan(span, nil)

	run.logger.Info("round closed",
		zap.Int("round", n),
		zap.Int("ok", len(ok)),
		zap.Int("total", len(contribs)),
		zap.Float64("consensus", ev.result.Score),
		zap.String("method", ev.result.Method),
	)
	return &roundOutcome{round: round, eval: ev, ok: ok}, nil
}

// dispatchSequential 按专家组顺序逐个调用，后调用者看到本轮已完成的回答
func (o *Orchestrator) dispatchSequential(ctx context.Context, run *sessionRun, n int, previous []Contribution) ([]Contribution, error) {
	contribs := make([]Contribution, 0, len(run.participants))
	sameRound := make([]Contribution, 0, len(run.participants))
	for _, agent := range run.participants {
		c, err := o.callParticipant(ctx, run, agent, turn{
			mode:      run.mode,
			round:     n,
			question:  run.question,
			previous:  previous,
			sameRound: sameRound,
		}, "", false)
		if err != nil {
			return nil, err
		}
		contribs = append(contribs, c)
		if c.OK() {
			sameRound = append(sameRound, c)
		}
	}
	return contribs, nil
}

// dispatchConcurrent 并行与辩论模式：同一轮内互相隔离
func (o *Orchestrator) dispatchConcurrent(ctx context.Context, run *sessionRun, n int, previous []Contribution) ([]Contribution, error) {
	results := make([]Contribution, len(run.participants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(run.participants))
	for i, agent := range run.participants {
		g.Go(func() error {
			c, err := o.callParticipant(gctx, run, agent, turn{
				mode:     run.mode,
				round:    n,
				question: run.question,
				previous: previous,
			}, "", false)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// checkpoint 在两轮之间等待人工决定
func (o *Orchestrator) checkpoint(ctx context.Context, run *sessionRun, n int) (bool, error) {
	run.live.update(func(s *Session) { s.Status = StatusAwaitingCheckpoint })

	decision, err := o.gate.Await(ctx, hitl.Request{
		SessionID:  run.sessionID,
		RoundIndex: n,
		Reason:     fmt.Sprintf("review round %d before round %d", n, n+1),
		Timeout:    run.opts.CheckpointTimeout,
	}, func(cp *hitl.Checkpoint) {
		run.live.update(func(s *Session) { s.Checkpoint = cp })
		run.publish(streaming.EventCheckpointRequired, n, CheckpointPayload{
			CheckpointID: cp.ID,
			Reason:       cp.Reason,
			Deadline:     cp.Deadline,
		})
	})
	if err != nil {
		return false, err
	}

	var cpID string
	var deadline time.Time
	run.live.update(func(s *Session) {
		if s.Checkpoint != nil {
			cpID = s.Checkpoint.ID
			deadline = s.Checkpoint.Deadline
		}
		s.Checkpoint = nil
		s.Status = StatusRunning
	})
	approved := decision.Approved
	run.publish(streaming.EventCheckpointResolved, n, CheckpointPayload{
		CheckpointID: cpID,
		Deadline:     deadline,
		Approved:     &approved,
		TimedOut:     decision.TimedOut,
		Comment:      decision.Comment,
		UserID:       decision.UserID,
	})
	if decision.TimedOut {
		run.logger.Warn("checkpoint timed out, applied default action",
			zap.Int("round", n),
			zap.Bool("approved", approved))
	}
	return approved, nil
}

// =============================================================================
// 🏁 终态
// =============================================================================

func (o *Orchestrator) complete(run *sessionRun, last *roundOutcome, reason string) (Status, error) {
	answer := o.finalAnswer(run, last)
	now := o.now()
	var summary Summary
	run.live.update(func(s *Session) {
		s.Status = StatusCompleted
		s.FinalAnswer = answer
		s.Checkpoint = nil
		s.CompletedAt = &now
		summary = summarize(s.Rounds)
		s.Summary = &summary
	})
	run.publish(streaming.EventSessionCompleted, last.round.Index, TerminalPayload{
		Status:      StatusCompleted,
		FinalAnswer: answer,
		Reason:      reason,
		Summary:     summary,
	})
	return StatusCompleted, nil
}

func (o *Orchestrator) fail(run *sessionRun, round int, cause error) (Status, error) {
	reason := cause.Error()
	code := string(types.ErrInternalError)
	if te, ok := types.AsError(cause); ok {
		reason = te.Message
		code = string(te.Code)
	}
	now := o.now()
	var summary Summary
	run.live.update(func(s *Session) {
		s.Status = StatusFailed
		s.FailureReason = reason
		s.Checkpoint = nil
		s.CompletedAt = &now
		summary = summarize(s.Rounds)
		s.Summary = &summary
	})
	run.logger.Error("consultation failed", zap.String("code", code), zap.Error(cause))
	run.publish(streaming.EventSessionFailed, max(round, 0), TerminalPayload{
		Status:  StatusFailed,
		Reason:  reason,
		Code:    code,
		Summary: summary,
	})
	return StatusFailed, cause
}

// interrupt 会话 ctx 结束：超时记为失败，其余记为取消
func (o *Orchestrator) interrupt(ctx context.Context, run *sessionRun, round int) (Status, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, errSessionTimeout) {
		return o.fail(run, round, types.NewError(types.ErrTimeout, errSessionTimeout.Error()).WithCause(cause))
	}

	reason := errSessionCancelled.Error()
	if errors.Is(cause, errShuttingDown) {
		reason = errShuttingDown.Error()
	}
	now := o.now()
	var summary Summary
	run.live.update(func(s *Session) {
		s.Status = StatusCancelled
		s.FailureReason = reason
		s.Checkpoint = nil
		s.CompletedAt = &now
		summary = summarize(s.Rounds)
		s.Summary = &summary
	})
	run.logger.Info("consultation cancelled", zap.String("reason", reason))
	run.publish(streaming.EventSessionCancelled, max(round, 0), TerminalPayload{
		Status:  StatusCancelled,
		Reason:  reason,
		Summary: summary,
	})
	return StatusCancelled, nil
}

// summarize 统计全部已关闭轮次
func summarize(rounds []Round) Summary {
	sum := Summary{Rounds: len(rounds)}
	for _, r := range rounds {
		for _, c := range r.Contributions {
			switch c.Status {
			case ContributionOK:
				sum.OkContributions++
			case ContributionTimeout:
				sum.TimedOutContributions++
			default:
				sum.FailedContributions++
			}
		}
	}
	if len(rounds) > 0 {
		score := rounds[len(rounds)-1].Consensus.Score
		sum.FinalConsensus = &score
	}
	return sum
}

func participantIDs(s *Session) []string {
	ids := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.AgentID
	}
	return ids
}
