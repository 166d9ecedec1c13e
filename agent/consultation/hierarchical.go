package consultation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/retry"

	"go.uber.org/zap"
)

// assignment 组长拆分出的一个子问题
type assignment struct {
	Assignee string `json:"assignee"`
	Question string `json:"question"`
}

// =============================================================================
// 🏛️ 层级模式
// =============================================================================

// leadOf 组长为 LeadAgentID 指定的专家，否则为第一位
func leadOf(run *sessionRun) (panel.AgentDefinition, []panel.AgentDefinition) {
	leadIdx := 0
	if run.opts.LeadAgentID != "" {
		for i, p := range run.participants {
			if p.AgentID == run.opts.LeadAgentID {
				leadIdx = i
				break
			}
		}
	}
	members := make([]panel.AgentDefinition, 0, len(run.participants)-1)
	for i, p := range run.participants {
		if i != leadIdx {
			members = append(members, p)
		}
	}
	return run.participants[leadIdx], members
}

// dispatchHierarchical 组长拆分，成员依次回答子问题，组长综合。
// 综合结果记在组长名下；只有一位专家时由组长直接回答。
func (o *Orchestrator) dispatchHierarchical(ctx context.Context, run *sessionRun, n int, previous []Contribution) ([]Contribution, error) {
	lead, members := leadOf(run)
	base := turn{mode: run.mode, round: n, question: run.question, previous: previous}

	if len(members) == 0 {
		c, err := o.callParticipant(ctx, run, lead, base, "", false)
		if err != nil {
			return nil, err
		}
		return []Contribution{c}, nil
	}

	questions, err := o.decompose(ctx, run, lead, members, base)
	if err != nil {
		return nil, err
	}

	contribs := make([]Contribution, 0, len(run.participants))
	answered := make([]Contribution, 0, len(members))
	for _, m := range members {
		c, err := o.callParticipant(ctx, run, m, base, questions[m.AgentID], false)
		if err != nil {
			return nil, err
		}
		contribs = append(contribs, c)
		if c.OK() {
			answered = append(answered, c)
		}
	}

	if len(answered) == 0 {
		// 没有成员回答时组长直接回答，避免综合空集
		c, err := o.callParticipant(ctx, run, lead, base, "", false)
		if err != nil {
			return nil, err
		}
		return append([]Contribution{c}, contribs...), nil
	}

	synthTurn := base
	synthTurn.members = answered
	synthesis, err := o.callParticipant(ctx, run, lead, synthTurn, "", true)
	if err != nil {
		return nil, err
	}
	return append([]Contribution{synthesis}, contribs...), nil
}

// decompose 向组长请求子问题分配。调用失败或无法解析时所有成员回答原问题。
func (o *Orchestrator) decompose(ctx context.Context, run *sessionRun, lead panel.AgentDefinition, members []panel.AgentDefinition, t turn) (map[string]string, error) {
	fallback := func() map[string]string {
		return assignQuestions(nil, members, run.question)
	}

	msgs, err := o.prompts.decompositionMessages(lead, members, t)
	if err != nil {
		return nil, err
	}
	req := &llm.ChatRequest{
		TraceID:     run.traceID,
		TenantID:    run.tenantID,
		Model:       lead.Model.Model,
		Messages:    msgs,
		MaxTokens:   lead.Model.MaxTokens,
		Temperature: float32(lead.Model.Temperature),
		Metadata:    map[string]string{"session_id": run.sessionID, "agent_id": lead.AgentID, "purpose": "decomposition"},
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ParticipantTimeout)
	resp, callErr := retry.DoWithResultTyped(o.retryer, callCtx, func() (*llm.ChatResponse, error) {
		return o.provider.Completion(callCtx, req)
	})
	cancel()
	o.sem.Release(1)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if callErr != nil {
		run.logger.Warn("decomposition failed, routing original question to all members",
			zap.String("lead", lead.AgentID),
			zap.Error(callErr))
		return fallback(), nil
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		run.logger.Warn("decomposition returned no choices", zap.String("lead", lead.AgentID), zap.Error(err))
		return fallback(), nil
	}

	parsed := parseAssignments(choice.Message.Content)
	if parsed == nil {
		run.logger.Warn("decomposition output not parseable, routing original question to all members",
			zap.String("lead", lead.AgentID))
	}
	return assignQuestions(parsed, members, run.question), nil
}

// parseAssignments 依次尝试：直接解析 JSON 数组、```json 代码块、无语言标记的代码块。
// 全部失败返回 nil。
func parseAssignments(content string) []assignment {
	if list := tryParseAssignments(strings.TrimSpace(content)); list != nil {
		return list
	}

	if idx := strings.Index(content, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(content[start:], "```"); end != -1 {
			if list := tryParseAssignments(strings.TrimSpace(content[start : start+end])); list != nil {
				return list
			}
		}
	}

	if idx := strings.Index(content, "```"); idx != -1 {
		start := idx + len("```")
		if nl := strings.Index(content[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(content[start:], "```"); end != -1 {
			if list := tryParseAssignments(strings.TrimSpace(content[start : start+end])); list != nil {
				return list
			}
		}
	}
	return nil
}

func tryParseAssignments(raw string) []assignment {
	var parsed []assignment
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	out := make([]assignment, 0, len(parsed))
	for _, a := range parsed {
		a.Assignee = strings.TrimSpace(a.Assignee)
		a.Question = strings.TrimSpace(a.Question)
		if a.Assignee != "" && a.Question != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// assignQuestions 未知的 assignee 被忽略；同一成员的多个子问题合并；没有分配到的成员回答原问题
func assignQuestions(list []assignment, members []panel.AgentDefinition, question string) map[string]string {
	known := make(map[string]bool, len(members))
	for _, m := range members {
		known[m.AgentID] = true
	}
	grouped := make(map[string][]string, len(members))
	for _, a := range list {
		if known[a.Assignee] {
			grouped[a.Assignee] = append(grouped[a.Assignee], a.Question)
		}
	}
	out := make(map[string]string, len(members))
	for _, m := range members {
		if qs := grouped[m.AgentID]; len(qs) > 0 {
			out[m.AgentID] = strings.Join(qs, "\n")
		} else {
			out[m.AgentID] = question
		}
	}
	return out
}
