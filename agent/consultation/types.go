package consultation

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
)

// Mode 咨询模式
type Mode string

const (
	ModeSequential     Mode = "sequential"
	ModeParallel       Mode = "parallel"
	ModeConversational Mode = "conversational"
	ModeHierarchical   Mode = "hierarchical"
)

// Valid 报告是否为已知模式
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConversational, ModeHierarchical:
		return true
	}
	return false
}

// Status 会话状态
type Status string

const (
	StatusInitialized        Status = "initialized"
	StatusRunning            Status = "running"
	StatusAwaitingCheckpoint Status = "awaiting_checkpoint"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
	StatusFailed             Status = "failed"
)

// Terminal 报告是否为终态。终态会话不再变化。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ContributionStatus 单个专家在一轮中的结果
type ContributionStatus string

const (
	ContributionOK      ContributionStatus = "ok"
	ContributionTimeout ContributionStatus = "timeout"
	ContributionError   ContributionStatus = "error"
)

// 共识计算方法
const (
	MethodEmbedding = "embedding"
	MethodLexical   = "lexical"
	MethodSingle    = "single"
)

// ErrNotArchived 归档中没有该会话
var ErrNotArchived = errors.New("session not archived")

// Citation 证据引用
type Citation struct {
	Source  string  `json:"source"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Contribution 一个专家在一轮中的产出
type Contribution struct {
	AgentID     string             `json:"agent_id"`
	AgentName   string             `json:"agent_name,omitempty"`
	Content     string             `json:"content"`
	Citations   []Citation         `json:"citations,omitempty"`
	Confidence  *float64           `json:"confidence,omitempty"`
	Status      ContributionStatus `json:"status"`
	Error       string             `json:"error,omitempty"`
	LatencyMs   int64              `json:"latency_ms"`
	Subquestion string             `json:"subquestion,omitempty"`
	Synthesis   bool               `json:"synthesis,omitempty"`
}

// OK 报告是否为成功产出
func (c *Contribution) OK() bool { return c.Status == ContributionOK }

// Conflict 相似度低于分歧阈值的一对专家
type Conflict struct {
	AgentA     string  `json:"agent_a"`
	AgentB     string  `json:"agent_b"`
	Similarity float64 `json:"similarity"`
}

// ConsensusResult 一轮的共识
type ConsensusResult struct {
	Score           float64    `json:"score"`
	AgreementPoints []string   `json:"agreement_points"`
	Conflicts       []Conflict `json:"conflicts"`
	Method          string     `json:"method"`
}

// Round 一个已关闭的轮次
type Round struct {
	Index         int                     `json:"index"`
	Order         []string                `json:"order"`
	Contributions map[string]Contribution `json:"contributions"`
	Consensus     ConsensusResult         `json:"consensus"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   time.Time               `json:"completed_at"`
}

// Options 会话选项，创建后不可变
type Options struct {
	MaxRounds          int           `json:"max_rounds"`
	AllowDebate        bool          `json:"allow_debate"`
	RequireConsensus   bool          `json:"require_consensus"`
	ConsensusThreshold float64       `json:"consensus_threshold"`
	LeadAgentID        string        `json:"lead_agent_id,omitempty"`
	HumanCheckpoint    bool          `json:"human_checkpoint"`
	CheckpointTimeout  time.Duration `json:"checkpoint_timeout,omitempty"`
}

// Summary 终态报告中的统计
type Summary struct {
	Rounds                int      `json:"rounds"`
	OkContributions       int      `json:"ok_contributions"`
	FailedContributions   int      `json:"failed_contributions"`
	TimedOutContributions int      `json:"timed_out_contributions"`
	FinalConsensus        *float64 `json:"final_consensus,omitempty"`
}

// Session 咨询会话。运行中只有编排 goroutine 写入，读取方拿到的是深拷贝。
type Session struct {
	ID            string                  `json:"id"`
	TenantID      string                  `json:"tenant_id,omitempty"`
	Question      string                  `json:"question"`
	Mode          Mode                    `json:"mode"`
	Participants  []panel.AgentDefinition `json:"participants"`
	PanelSource   panel.Source            `json:"panel_source"`
	Options       Options                 `json:"options"`
	Status        Status                  `json:"status"`
	Rounds        []Round                 `json:"rounds"`
	FinalAnswer   string                  `json:"final_answer,omitempty"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	Summary       *Summary                `json:"summary,omitempty"`
	Checkpoint    *hitl.Checkpoint        `json:"checkpoint,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
}

// Clone 深拷贝
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = slices.Clone(s.Participants)
	out.Rounds = make([]Round, len(s.Rounds))
	for i, r := range s.Rounds {
		out.Rounds[i] = r.clone()
	}
	if s.Summary != nil {
		sum := *s.Summary
		if s.Summary.FinalConsensus != nil {
			v := *s.Summary.FinalConsensus
			sum.FinalConsensus = &v
		}
		out.Summary = &sum
	}
	if s.Checkpoint != nil {
		cp := *s.Checkpoint
		out.Checkpoint = &cp
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (r Round) clone() Round {
	r.Order = slices.Clone(r.Order)
	contribs := make(map[string]Contribution, len(r.Contributions))
	for id, c := range r.Contributions {
		c.Citations = slices.Clone(c.Citations)
		if c.Confidence != nil {
			v := *c.Confidence
			c.Confidence = &v
		}
		contribs[id] = c
	}
	r.Contributions = contribs
	r.Consensus.AgreementPoints = slices.Clone(r.Consensus.AgreementPoints)
	r.Consensus.Conflicts = slices.Clone(r.Consensus.Conflicts)
	return r
}

// Ordered 按调度顺序返回本轮产出
func (r *Round) Ordered() []Contribution {
	out := make([]Contribution, 0, len(r.Contributions))
	seen := make(map[string]bool, len(r.Order))
	for _, id := range r.Order {
		if c, ok := r.Contributions[id]; ok && !seen[id] {
			out = append(out, c)
			seen[id] = true
		}
	}
	for _, id := range slices.Sorted(maps.Keys(r.Contributions)) {
		if !seen[id] {
			out = append(out, r.Contributions[id])
		}
	}
	return out
}
