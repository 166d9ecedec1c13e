package hitl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action 超时后采用的默认动作
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Status 检查点状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
	StatusCanceled Status = "canceled"
)

// Decision 人工（或超时默认动作）给出的决定
type Decision struct {
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	TimedOut  bool      `json:"timed_out"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint 一次检查点
type Checkpoint struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	RoundIndex int        `json:"round_index"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Deadline   time.Time  `json:"deadline"`
	Decision   *Decision  `json:"decision,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Request 打开检查点的参数
type Request struct {
	SessionID string
	// RoundIndex 刚刚结束的轮次
	RoundIndex int
	Reason     string
	// Timeout 覆盖网关默认超时，0 表示使用默认值
	Timeout time.Duration
}

// Store 检查点记录的存储接口
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	List(ctx context.Context, sessionID string) ([]*Checkpoint, error)
}

// Config 网关配置
type Config struct {
	Timeout       time.Duration
	DefaultAction Action
}

// DefaultConfig 默认 300 秒超时，超时后自动通过
func DefaultConfig() Config {
	return Config{Timeout: 300 * time.Second, DefaultAction: ActionApprove}
}

// ConfigFrom 从应用配置构建网关配置
func ConfigFrom(hc config.HITLConfig) Config {
	cfg := DefaultConfig()
	if hc.CheckpointTimeout > 0 {
		cfg.Timeout = hc.CheckpointTimeout
	}
	if Action(hc.DefaultAction) == ActionReject {
		cfg.DefaultAction = ActionReject
	}
	return cfg
}

// =============================================================================
// 🚦 检查点网关
// =============================================================================

// Gate 管理所有会话的待决检查点。每个会话同一时刻最多一个待决检查点。
type Gate struct {
	config  Config
	store   Store
	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCheckpoint
}

type pendingCheckpoint struct {
	checkpoint *Checkpoint
	decisionCh chan Decision
}

// NewGate 创建网关。store 为 nil 时使用内存存储。
func NewGate(cfg Config, store Store, collector *metrics.Collector, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.DefaultAction != ActionReject {
		cfg.DefaultAction = ActionApprove
	}
	return &Gate{
		config:  cfg,
		store:   store,
		metrics: collector,
		logger:  logger.With(zap.String("component", "hitl_gate")),
		pending: make(map[string]*pendingCheckpoint),
	}
}

// Config 返回生效配置
func (g *Gate) Config() Config { return g.config }

// Await 打开检查点并阻塞直到人工决定、超时或 ctx 取消。
//
// onOpen 在检查点登记后、开始等待前同步调用，调用方借此发出带截止时间的事件。
// 超时后按 DefaultAction 给出决定并记录告警；ctx 取消时返回 ctx.Err()。
func (g *Gate) Await(ctx context.Context, req Request, onOpen func(*Checkpoint)) (Decision, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.config.Timeout
	}
	now := time.Now()
	cp := &Checkpoint{
		ID:         "cp_" + uuid.NewString(),
		SessionID:  req.SessionID,
		RoundIndex: req.RoundIndex,
		Status:     StatusPending,
		Reason:     req.Reason,
		CreatedAt:  now,
		Deadline:   now.Add(timeout),
	}
	p := &pendingCheckpoint{checkpoint: cp, decisionCh: make(chan Decision, 1)}

	g.mu.Lock()
	if _, exists := g.pending[req.SessionID]; exists {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("session %s already has a pending checkpoint", req.SessionID)
	}
	g.pending[req.SessionID] = p
	g.mu.Unlock()

	if err := g.store.Save(ctx, cp.clone()); err != nil {
		g.logger.Warn("failed to save checkpoint", zap.String("id", cp.ID), zap.Error(err))
	}

	g.logger.Info("checkpoint opened",
		zap.String("id", cp.ID),
		zap.String("session_id", cp.SessionID),
		zap.Int("round", cp.RoundIndex),
		zap.Time("deadline", cp.Deadline),
	)
	if onOpen != nil {
		onOpen(cp.clone())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.decisionCh:
		return d, nil
	case <-timer.C:
		d, ok := g.expire(ctx, req.SessionID, p)
		if !ok {
			// 与 Resolve 竞争失败，使用人工决定
			return <-p.decisionCh, nil
		}
		return d, nil
	case <-ctx.Done():
		g.cancel(req.SessionID, p)
		return Decision{}, ctx.Err()
	}
}

// Resolve 提交人工决定。会话没有待决检查点时返回 types.ErrCheckpointNotPending。
func (g *Gate) Resolve(ctx context.Context, sessionID string, approved bool, comment, userID string) (*Checkpoint, error) {
	g.mu.Lock()
	p, ok := g.pending[sessionID]
	if ok {
		delete(g.pending, sessionID)
	}
	g.mu.Unlock()
	if !ok {
		return nil, types.Errorf(types.ErrCheckpointNotPending, "session %s has no pending checkpoint", sessionID).WithHTTPStatus(409)
	}

	d := Decision{Approved: approved, Comment: comment, UserID: userID, Timestamp: time.Now()}
	outcome := StatusRejected
	if approved {
		outcome = StatusApproved
	}
	cp := g.finish(ctx, p, outcome, d)

	g.logger.Info("checkpoint resolved",
		zap.String("id", cp.ID),
		zap.String("session_id", sessionID),
		zap.Bool("approved", approved),
	)
	g.metrics.RecordCheckpoint(string(outcome))

	p.decisionCh <- d
	return cp, nil
}

// Pending 返回会话当前待决的检查点
func (g *Gate) Pending(sessionID string) (*Checkpoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[sessionID]
	if !ok {
		return nil, false
	}
	return p.checkpoint.clone(), true
}

// History 返回会话的全部检查点，按创建时间排序
func (g *Gate) History(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	list, err := g.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (g *Gate) expire(ctx context.Context, sessionID string, p *pendingCheckpoint) (Decision, bool) {
	g.mu.Lock()
	current, ok := g.pending[sessionID]
	if !ok || current != p {
		g.mu.Unlock()
		return Decision{}, false
	}
	delete(g.pending, sessionID)
	g.mu.Unlock()

	d := Decision{
		Approved:  g.config.DefaultAction == ActionApprove,
		Comment:   "checkpoint timed out, default action " + string(g.config.DefaultAction) + " applied",
		TimedOut:  true,
		Timestamp: time.Now(),
	}
	g.finish(ctx, p, StatusTimeout, d)

	g.logger.Warn("checkpoint timed out, applying default action",
		zap.String("id", p.checkpoint.ID),
		zap.String("session_id", sessionID),
		zap.String("default_action", string(g.config.DefaultAction)),
	)
	outcome := "timeout_rejected"
	if d.Approved {
		outcome = "timeout_approved"
	}
	g.metrics.RecordCheckpoint(outcome)
	return d, true
}

func (g *Gate) cancel(sessionID string, p *pendingCheckpoint) {
	g.mu.Lock()
	current, ok := g.pending[sessionID]
	if ok && current == p {
		delete(g.pending, sessionID)
	}
	g.mu.Unlock()
	if !ok || current != p {
		return
	}
	g.finish(context.Background(), p, StatusCanceled, Decision{Timestamp: time.Now()})
	g.metrics.RecordCheckpoint(string(StatusCanceled))
	g.logger.Info("checkpoint canceled", zap.String("id", p.checkpoint.ID))
}

// finish 在检查点离开 pending 表之后调用，此时只有一个调用方持有它
func (g *Gate) finish(ctx context.Context, p *pendingCheckpoint, status Status, d Decision) *Checkpoint {
	cp := p.checkpoint
	cp.Status = status
	cp.Decision = &d
	resolved := d.Timestamp
	cp.ResolvedAt = &resolved

	if err := g.store.Save(ctx, cp.clone()); err != nil {
		g.logger.Warn("failed to update checkpoint", zap.String("id", cp.ID), zap.Error(err))
	}
	return cp.clone()
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	if c.Decision != nil {
		d := *c.Decision
		out.Decision = &d
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// =============================================================================
// 💾 内存存储
// =============================================================================

// InMemoryStore 基于内存的检查点存储
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewInMemoryStore 创建内存存储
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *InMemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*Checkpoint
	for _, cp := range s.checkpoints {
		if sessionID == "" || cp.SessionID == sessionID {
			results = append(results, cp.clone())
		}
	}
	return results, nil
}
