package consultation

import (
	"fmt"
	"strings"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/tokenizer"
)

const confidenceInstruction = "End your answer with a single line of the form \"Confidence: <number between 0 and 1>\"."

// promptBuilder 构造专家消息。前序产出按 token 预算裁剪，优先保留最新的部分。
type promptBuilder struct {
	tok    tokenizer.Tokenizer
	budget int
}

func newPromptBuilder(cfg Config) *promptBuilder {
	return &promptBuilder{
		tok:    tokenizer.ForModel(cfg.TokenizerModel),
		budget: cfg.ContextTokenBudget,
	}
}

// turn 一次专家调用的输入
type turn struct {
	mode     Mode
	round    int
	question string
	// previous 上一轮的成功产出
	previous []Contribution
	// sameRound 顺序模式下本轮已完成的产出
	sameRound []Contribution
	// members 层级模式下组长综合时看到的成员回答
	members     []Contribution
	subquestion string
	evidence    []Citation
}

func systemPrompt(agent panel.AgentDefinition) string {
	if strings.TrimSpace(agent.SystemInstructions) != "" {
		return agent.SystemInstructions
	}
	if agent.Role != "" {
		return fmt.Sprintf("You are %s, %s.", agent.Name, agent.Role)
	}
	return fmt.Sprintf("You are %s.", agent.Name)
}

func (b *promptBuilder) messages(agent panel.AgentDefinition, t turn) ([]llm.Message, error) {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(t.question)
	sb.WriteString("\n")
	if t.subquestion != "" && t.subquestion != t.question {
		sb.WriteString("\nYour assigned sub-question:\n")
		sb.WriteString(t.subquestion)
		sb.WriteString("\n")
	}

	if len(t.evidence) > 0 {
		sb.WriteString("\nEvidence:\n")
		for i, c := range t.evidence {
			fmt.Fprintf(&sb, "[%d] %s", i+1, citationLabel(c))
			if c.Snippet != "" {
				fmt.Fprintf(&sb, ": %s", c.Snippet)
			}
			sb.WriteString("\n")
		}
	}

	if t.members != nil {
		if err := b.writeContext(&sb, t.members, len(t.members), "Answers from panel members:", ""); err != nil {
			return nil, err
		}
	} else {
		others := make([]Contribution, 0, len(t.previous)+len(t.sameRound))
		others = append(others, t.previous...)
		others = append(others, t.sameRound...)
		header := fmt.Sprintf("Expert opinions from round %d:", t.round-1)
		if err := b.writeContext(&sb, others, len(t.previous), header, "Earlier answers in this round:"); err != nil {
			return nil, err
		}
	}

	sb.WriteString("\n")
	switch {
	case t.members != nil:
		sb.WriteString("Synthesize the members' answers into one coherent recommendation. Resolve contradictions explicitly and keep points that are supported by evidence.\n")
	case t.mode == ModeConversational && t.round > 0:
		sb.WriteString("Review the other experts' opinions. State explicitly which points you agree with and which you disagree with, then give your revised answer.\n")
	case t.mode == ModeSequential && len(t.sameRound) > 0:
		sb.WriteString("Build on the earlier answers where they are correct and point out anything you would change.\n")
	case t.round > 0:
		sb.WriteString("Refine your answer in light of the other experts' opinions.\n")
	}
	sb.WriteString(confidenceInstruction)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(agent)},
		{Role: llm.RoleUser, Content: sb.String(), Name: agent.AgentID},
	}, nil
}

func citationLabel(c Citation) string {
	switch {
	case c.Title != "":
		return c.Title
	case c.URL != "":
		return c.URL
	default:
		return c.Source
	}
}

// writeContext 按预算写入前序回答。FitBudget 从头部丢弃，保留条目与 list 尾部对齐；
// split 之前的条目用 firstHeader，之后的用 secondHeader。
func (b *promptBuilder) writeContext(sb *strings.Builder, list []Contribution, split int, firstHeader, secondHeader string) error {
	if len(list) == 0 {
		return nil
	}
	parts := make([]string, len(list))
	for i, c := range list {
		parts[i] = fmt.Sprintf("%s: %s", displayName(c), strings.TrimSpace(c.Content))
	}
	kept, err := tokenizer.FitBudget(b.tok, parts, b.budget)
	if err != nil {
		return fmt.Errorf("fit context budget: %w", err)
	}
	offset := len(parts) - len(kept)
	for i, text := range kept {
		idx := offset + i
		if i == 0 || idx == split {
			if idx < split {
				fmt.Fprintf(sb, "\n%s\n", firstHeader)
			} else {
				fmt.Fprintf(sb, "\n%s\n", secondHeader)
			}
		}
		sb.WriteString("- ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return nil
}

// decompositionMessages 组长拆分问题的提示，要求只返回 JSON 数组
func (b *promptBuilder) decompositionMessages(lead panel.AgentDefinition, members []panel.AgentDefinition, t turn) ([]llm.Message, error) {
	var sb strings.Builder
	sb.WriteString("You lead a panel of experts:\n")
	for _, m := range members {
		fmt.Fprintf(&sb, "- %s: %s", m.AgentID, m.Name)
		if m.Role != "" {
			fmt.Fprintf(&sb, " (%s)", m.Role)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nQuestion:\n")
	sb.WriteString(t.question)
	sb.WriteString("\n")
	if err := b.writeContext(&sb, t.previous, len(t.previous), fmt.Sprintf("Expert opinions from round %d:", t.round-1), ""); err != nil {
		return nil, err
	}
	sb.WriteString("\nSplit the question into focused sub-questions and assign each to the best suited member. ")
	sb.WriteString(`Reply with a JSON array only, for example [{"assignee":"<agent id>","question":"..."}].`)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(lead)},
		{Role: llm.RoleUser, Content: sb.String(), Name: lead.AgentID},
	}, nil
}
