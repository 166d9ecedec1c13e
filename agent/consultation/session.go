package consultation

import (
	"context"
	"errors"
	"sync"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"

	"go.uber.org/zap"
)

var (
	errSessionCancelled = errors.New("cancelled by caller")
	errSessionTimeout   = errors.New("session timed out")
	errShuttingDown     = errors.New("service shutting down")
)

// liveSession 运行中会话的句柄。state 只由编排 goroutine 通过 update 修改。
type liveSession struct {
	mu     sync.RWMutex
	state  *Session
	stream *streaming.Stream
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newLiveSession(s *Session, stream *streaming.Stream, cancel context.CancelCauseFunc) *liveSession {
	return &liveSession{
		state:  s,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// snapshot 返回深拷贝
func (ls *liveSession) snapshot() *Session {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.state.Clone()
}

func (ls *liveSession) status() Status {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.state.Status
}

// update 终态会话不再修改
func (ls *liveSession) update(fn func(*Session)) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.state.Status.Terminal() {
		return
	}
	fn(ls.state)
}

// =============================================================================
// 🏃 单次运行上下文
// =============================================================================

// sessionRun 编排 goroutine 持有的不可变输入与证据缓存
type sessionRun struct {
	live         *liveSession
	sessionID    string
	tenantID     string
	traceID      string
	question     string
	mode         Mode
	participants []panel.AgentDefinition
	opts         Options
	logger       *zap.Logger

	evidenceMu sync.Mutex
	evidence   map[string][]Citation
}

func newSessionRun(ls *liveSession, s *Session, traceID string, logger *zap.Logger) *sessionRun {
	return &sessionRun{
		live:         ls,
		sessionID:    s.ID,
		tenantID:     s.TenantID,
		traceID:      traceID,
		question:     s.Question,
		mode:         s.Mode,
		participants: s.Participants,
		opts:         s.Options,
		logger:       logger.With(zap.String("session_id", s.ID)),
		evidence:     make(map[string][]Citation),
	}
}

// publish 流关闭后的发布被忽略
func (r *sessionRun) publish(typ streaming.EventType, round int, payload any) {
	if _, err := r.live.stream.Publish(typ, round, payload); err != nil && !errors.Is(err, streaming.ErrStreamClosed) {
		r.logger.Warn("publish event failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// evidenceFor 每位专家在一个会话中只检索一次证据；失败时不附加引用
func (r *sessionRun) evidenceFor(ctx context.Context, o *Orchestrator, agent panel.AgentDefinition) []Citation {
	if o.evidence == nil {
		return nil
	}
	r.evidenceMu.Lock()
	cached, ok := r.evidence[agent.AgentID]
	r.evidenceMu.Unlock()
	if ok {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, evidenceTimeout)
	defer cancel()
	persona := agent.Role
	if persona == "" {
		persona = agent.Name
	}
	citations, err := o.evidence.RetrieveEvidence(ctx, r.question, persona)
	if err != nil {
		r.logger.Warn("evidence retrieval failed",
			zap.String("agent_id", agent.AgentID),
			zap.Error(err))
		citations = nil
	}

	r.evidenceMu.Lock()
	r.evidence[agent.AgentID] = citations
	r.evidenceMu.Unlock()
	return citations
}
