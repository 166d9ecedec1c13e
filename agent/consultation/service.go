package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultPanelSize 自动组建且未指定人数时的专家数
const defaultPanelSize = 3

// archiveTimeout 终态会话写入归档的上限
const archiveTimeout = 10 * time.Second

// Archive 终态会话的持久化存储
type Archive interface {
	Save(ctx context.Context, s *Session) error
	// Get 不存在时返回 ErrNotArchived
	Get(ctx context.Context, id string) (*Session, error)
}

// StartRequest 发起咨询的请求。Experts 为空时按问题自动组建专家组。
type StartRequest struct {
	Question             string            `json:"question"`
	Mode                 Mode              `json:"mode"`
	Experts              []panel.ExpertRef `json:"experts,omitempty"`
	PanelSize            int               `json:"panel_size,omitempty"`
	MinSimilarity        float64           `json:"min_similarity,omitempty"`
	Filters              catalog.Filters   `json:"filters,omitempty"`
	MaxRounds            int               `json:"max_rounds,omitempty"`
	AllowDebate          *bool             `json:"allow_debate,omitempty"`
	RequireConsensus     bool              `json:"require_consensus,omitempty"`
	ConsensusThreshold   *float64          `json:"consensus_threshold,omitempty"`
	LeadAgentID          string            `json:"lead_agent_id,omitempty"`
	HumanCheckpoint      bool              `json:"human_checkpoint,omitempty"`
	CheckpointTimeoutSec int               `json:"checkpoint_timeout_sec,omitempty"`
	TenantID             string            `json:"-"`
}

// StartResult 会话已创建。Events 在编排开始前订阅，不会错过第一个事件。
type StartResult struct {
	SessionID string                  `json:"session_id"`
	Panel     *panel.Panel            `json:"panel"`
	Events    *streaming.Subscription `json:"-"`
}

// RecommendRequest 专家推荐请求
type RecommendRequest struct {
	Query         string          `json:"query"`
	TopK          int             `json:"top_k,omitempty"`
	MinSimilarity float64         `json:"min_similarity,omitempty"`
	Filters       catalog.Filters `json:"filters,omitempty"`
}

// CancelAck 取消结果。会话已处于终态时 AlreadyTerminal 为 true。
type CancelAck struct {
	SessionID       string `json:"session_id"`
	Status          Status `json:"status"`
	AlreadyTerminal bool   `json:"already_terminal"`
}

// ServiceOption 服务选项
type ServiceOption func(*Service)

// WithArchive 终态会话写入归档，内存释放后仍可查询
func WithArchive(a Archive) ServiceOption {
	return func(s *Service) { s.archive = a }
}

// WithServiceMetrics 设置 Prometheus 收集器，用于事件流丢弃统计
func WithServiceMetrics(c *metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = c }
}

// WithServiceLogger 设置日志
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// =============================================================================
// 🩺 咨询服务
// =============================================================================

// Service 对外的会话操作入口。注册表只持有会话句柄，状态由各自的编排 goroutine 维护。
type Service struct {
	cfg          Config
	composer     *panel.Composer
	searcher     panel.Searcher
	orchestrator *Orchestrator
	archive      Archive
	metrics      *metrics.Collector
	logger       *zap.Logger
	now          func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*liveSession
	timers   map[string]*time.Timer
	closed   bool
}

// NewService 创建咨询服务。searcher 为 nil 时不支持自动组建与推荐。
func NewService(cfg Config, composer *panel.Composer, searcher panel.Searcher, orchestrator *Orchestrator, opts ...ServiceOption) *Service {
	baseCtx, cancel := context.WithCancelCause(context.Background())
	s := &Service{
		cfg:          cfg.withDefaults(),
		composer:     composer,
		searcher:     searcher,
		orchestrator: orchestrator,
		logger:       zap.NewNop(),
		now:          time.Now,
		baseCtx:      baseCtx,
		baseCancel:   cancel,
		sessions:     make(map[string]*liveSession),
		timers:       make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "consultation_service"))
	return s
}

// StartConsultation 校验请求、组建专家组并在后台启动会话。
// 请求无效时返回 ErrInvalidRequest 且不创建会话。
func (s *Service) StartConsultation(ctx context.Context, req StartRequest) (*StartResult, error) {
	opts, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	panelSize := req.PanelSize
	if len(req.Experts) == 0 && panelSize == 0 {
		panelSize = defaultPanelSize
	}
	p, err := s.composer.Compose(ctx, panel.Request{
		Experts:       req.Experts,
		Question:      req.Question,
		PanelSize:     panelSize,
		MinSimilarity: req.MinSimilarity,
		Filters:       req.Filters,
	})
	if err != nil {
		return nil, err
	}
	if opts.LeadAgentID != "" && !containsAgent(p.Agents, opts.LeadAgentID) {
		return nil, types.Errorf(types.ErrInvalidRequest, "lead_agent_id %s is not on the panel", opts.LeadAgentID).WithHTTPStatus(400)
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID, _ = types.TenantID(ctx)
	}
	sess := &Session{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Question:     strings.TrimSpace(req.Question),
		Mode:         req.Mode,
		Participants: p.Agents,
		PanelSource:  p.Source,
		Options:      opts,
		Status:       StatusInitialized,
		Rounds:       []Round{},
		CreatedAt:    s.now().UTC(),
	}

	stream := streaming.NewStream(sess.ID,
		streaming.WithBufferSize(s.cfg.SubscriberBuffer),
		streaming.WithMetrics(s.metrics),
		streaming.WithLogger(s.logger),
	)
	sub, err := stream.Subscribe()
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "subscribe to session stream").WithCause(err)
	}

	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	if traceID, ok := types.TraceID(ctx); ok {
		runCtx = types.WithTraceID(runCtx, traceID)
	}
	if tenantID != "" {
		runCtx = types.WithTenantID(runCtx, tenantID)
	}
	ls := newLiveSession(sess, stream, cancel)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(errShuttingDown)
		return nil, types.NewError(types.ErrServiceUnavailable, "consultation service is shutting down").WithHTTPStatus(503)
	}
	s.sessions[sess.ID] = ls
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("consultation created",
		zap.String("session_id", sess.ID),
		zap.String("mode", string(sess.Mode)),
		zap.String("panel_source", string(p.Source)),
		zap.Strings("participants", p.IDs()),
	)

	go func() {
		defer s.wg.Done()
		s.orchestrator.Run(runCtx, ls)
		cancel(nil)
		s.onTerminal(ls)
	}()

	return &StartResult{SessionID: sess.ID, Panel: p, Events: sub}, nil
}

// validate 校验请求并解析出会话选项
func (s *Service) validate(req StartRequest) (Options, error) {
	invalid := func(format string, args ...any) (Options, error) {
		return Options{}, types.Errorf(types.ErrInvalidRequest, format, args...).WithHTTPStatus(400)
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return invalid("question is required")
	}
	if n := utf8.RuneCountInString(question); n > s.cfg.MaxQuestionLength {
		return invalid("question is %d characters, maximum is %d", n, s.cfg.MaxQuestionLength)
	}
	if !req.Mode.Valid() {
		return invalid("mode must be one of sequential, parallel, conversational, hierarchical; got %q", req.Mode)
	}

	opts := Options{
		MaxRounds:          s.cfg.DefaultMaxRounds,
		AllowDebate:        req.Mode == ModeConversational,
		RequireConsensus:   req.RequireConsensus,
		ConsensusThreshold: s.cfg.DefaultConsensusThreshold,
		LeadAgentID:        strings.TrimSpace(req.LeadAgentID),
		HumanCheckpoint:    req.HumanCheckpoint,
	}
	if req.MaxRounds != 0 {
		if req.MaxRounds < 1 || req.MaxRounds > s.cfg.MaxRoundsLimit {
			return invalid("max_rounds must be between 1 and %d, got %d", s.cfg.MaxRoundsLimit, req.MaxRounds)
		}
		opts.MaxRounds = req.MaxRounds
	}
	if req.AllowDebate != nil {
		opts.AllowDebate = *req.AllowDebate
	}
	if req.ConsensusThreshold != nil {
		th := *req.ConsensusThreshold
		if th < 0 || th > 1 {
			return invalid("consensus_threshold must be within [0,1], got %g", th)
		}
		opts.ConsensusThreshold = th
	}
	if req.MinSimilarity < 0 || req.MinSimilarity > 1 {
		return invalid("min_similarity must be within [0,1], got %g", req.MinSimilarity)
	}
	if req.CheckpointTimeoutSec < 0 {
		return invalid("checkpoint_timeout_sec must not be negative")
	}
	if req.CheckpointTimeoutSec > 0 {
		opts.CheckpointTimeout = time.Duration(req.CheckpointTimeoutSec) * time.Second
	}
	if opts.LeadAgentID != "" && req.Mode != ModeHierarchical {
		return invalid("lead_agent_id is only valid in hierarchical mode")
	}
	return opts, nil
}

// GetRecommendations 只检索不创建会话
func (s *Service) GetRecommendations(ctx context.Context, req RecommendRequest) (*discovery.Result, error) {
	if s.searcher == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "agent retrieval is not configured").WithHTTPStatus(503)
	}
	return s.searcher.Search(ctx, discovery.Query{
		Text:          req.Query,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
		Filters:       req.Filters,
	})
}

// CancelSession 取消会话并等待编排 goroutine 退出。重复取消或会话已结束时幂等返回。
func (s *Service) CancelSession(ctx context.Context, id string) (*CancelAck, error) {
	ls, ok := s.lookup(id)
	if !ok {
		archived, err := s.fromArchive(ctx, id)
		if err != nil {
			return nil, err
		}
		return &CancelAck{SessionID: id, Status: archived.Status, AlreadyTerminal: true}, nil
	}

	if st := ls.status(); st.Terminal() {
		return &CancelAck{SessionID: id, Status: st, AlreadyTerminal: true}, nil
	}

	ls.cancel(errSessionCancelled)
	select {
	case <-ls.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st := ls.status()
	s.logger.Info("consultation cancel requested", zap.String("session_id", id), zap.String("status", string(st)))
	return &CancelAck{SessionID: id, Status: st, AlreadyTerminal: st != StatusCancelled}, nil
}

// Subscribe 订阅运行中会话的后续事件，不回放历史
func (s *Service) Subscribe(id string) (*streaming.Subscription, error) {
	ls, ok := s.lookup(id)
	if !ok {
		return nil, sessionNotFound(id)
	}
	if ls.status().Terminal() {
		return nil, sessionTerminal(id)
	}
	sub, err := ls.stream.Subscribe()
	if err != nil {
		if errors.Is(err, streaming.ErrStreamClosed) {
			return nil, sessionTerminal(id)
		}
		return nil, err
	}
	return sub, nil
}

// GetSession 返回会话快照；内存中已释放的终态会话从归档读取
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	if ls, ok := s.lookup(id); ok {
		return ls.snapshot(), nil
	}
	return s.fromArchive(ctx, id)
}

// ResolveCheckpoint 对会话当前待决的检查点给出决定
func (s *Service) ResolveCheckpoint(ctx context.Context, id string, approve bool, comment, userID string) (*hitl.Checkpoint, error) {
	ls, ok := s.lookup(id)
	if !ok {
		return nil, sessionNotFound(id)
	}
	if ls.status().Terminal() {
		return nil, sessionTerminal(id)
	}
	if s.orchestrator.gate == nil {
		return nil, types.Errorf(types.ErrCheckpointNotPending, "session %s has no pending checkpoint", id).WithHTTPStatus(409)
	}
	return s.orchestrator.gate.Resolve(ctx, id, approve, comment, userID)
}

// ActiveSessions 当前未结束的会话数
func (s *Service) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ls := range s.sessions {
		if !ls.status().Terminal() {
			n++
		}
	}
	return n
}

// Close 取消所有运行中的会话并等待退出
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.baseCancel(errShuttingDown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return nil
}

// onTerminal 归档终态会话并在保留期后从内存释放
func (s *Service) onTerminal(ls *liveSession) {
	snap := ls.snapshot()
	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), archiveTimeout)
		if err := s.archive.Save(ctx, snap); err != nil {
			s.logger.Error("archive session failed", zap.String("session_id", snap.ID), zap.Error(err))
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cfg.SessionRetention <= 0 {
		return
	}
	s.timers[snap.ID] = time.AfterFunc(s.cfg.SessionRetention, func() {
		s.mu.Lock()
		delete(s.sessions, snap.ID)
		delete(s.timers, snap.ID)
		s.mu.Unlock()
	})
}

func (s *Service) lookup(id string) (*liveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[id]
	return ls, ok
}

func (s *Service) fromArchive(ctx context.Context, id string) (*Session, error) {
	if s.archive == nil {
		return nil, sessionNotFound(id)
	}
	sess, err := s.archive.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotArchived) {
			return nil, sessionNotFound(id)
		}
		return nil, types.NewError(types.ErrServiceUnavailable, "session archive unavailable").
			WithCause(err).WithHTTPStatus(503).WithRetryable(true)
	}
	return sess, nil
}

func sessionNotFound(id string) error {
	return types.Errorf(types.ErrSessionNotFound, "session %s not found", id).WithHTTPStatus(404)
}

func sessionTerminal(id string) error {
	return types.Errorf(types.ErrSessionTerminal, "session %s has already finished", id).WithHTTPStatus(409)
}

func containsAgent(agents []panel.AgentDefinition, id string) bool {
	for _, a := range agents {
		if a.AgentID == id {
			return true
		}
	}
	return false
}
