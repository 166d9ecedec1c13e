package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/api"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ConsultationService 咨询服务接口，由 consultation.Service 实现
type ConsultationService interface {
	StartConsultation(ctx context.Context, req consultation.StartRequest) (*consultation.StartResult, error)
	GetRecommendations(ctx context.Context, req consultation.RecommendRequest) (*discovery.Result, error)
	CancelSession(ctx context.Context, id string) (*consultation.CancelAck, error)
	Subscribe(id string) (*streaming.Subscription, error)
	GetSession(ctx context.Context, id string) (*consultation.Session, error)
	ResolveCheckpoint(ctx context.Context, id string, approve bool, comment, userID string) (*hitl.Checkpoint, error)
}

// SessionLister 按租户列出归档会话，归档后端可选实现
type SessionLister interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*consultation.Session, error)
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// =============================================================================
// 🩺 咨询接口 Handler
// =============================================================================

// ConsultationHandler 咨询会话处理器
type ConsultationHandler struct {
	svc            ConsultationService
	lister         SessionLister
	heartbeat      time.Duration
	originPatterns []string
	logger         *zap.Logger
}

// ConsultationOption 处理器选项
type ConsultationOption func(*ConsultationHandler)

// WithSessionLister 启用归档会话列表接口
func WithSessionLister(l SessionLister) ConsultationOption {
	return func(h *ConsultationHandler) { h.lister = l }
}

// WithHeartbeat 设置 SSE 心跳间隔，0 表示不发送
func WithHeartbeat(d time.Duration) ConsultationOption {
	return func(h *ConsultationHandler) { h.heartbeat = d }
}

// WithOriginPatterns 设置 WebSocket 允许的跨域来源
func WithOriginPatterns(patterns []string) ConsultationOption {
	return func(h *ConsultationHandler) { h.originPatterns = patterns }
}

// NewConsultationHandler 创建咨询处理器
func NewConsultationHandler(svc ConsultationService, logger *zap.Logger, opts ...ConsultationOption) *ConsultationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ConsultationHandler{
		svc:       svc,
		heartbeat: 15 * time.Second,
		logger:    logger.With(zap.String("component", "consultation_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 在 mux 上注册全部咨询路由
func (h *ConsultationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/consultations", h.HandleStart)
	mux.HandleFunc("GET /api/v1/consultations", h.HandleList)
	mux.HandleFunc("GET /api/v1/consultations/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/consultations/{id}/events", h.HandleEvents)
	mux.HandleFunc("GET /api/v1/consultations/{id}/ws", h.HandleWebSocket)
	mux.HandleFunc("POST /api/v1/consultations/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/v1/consultations/{id}/checkpoint", h.HandleCheckpoint)
	mux.HandleFunc("POST /api/v1/recommendations", h.HandleRecommendations)
}

// HandleStart 发起咨询
// @Summary 发起咨询
// @Description 校验请求、组建专家组并启动会话。stream 为 true 时响应为 SSE 事件流
// @Tags 咨询
// @Accept json
// @Produce json,text/event-stream
// @Param request body api.StartConsultationRequest true "咨询请求"
// @Success 202 {object} Response "会话已创建"
// @Failure 400 {object} Response "无效请求"
// @Failure 422 {object} Response "专家不可用"
// @Security ApiKeyAuth
// @Router /api/v1/consultations [post]
func (h *ConsultationHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.StartConsultationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if tenantID, ok := types.TenantID(r.Context()); ok {
		req.TenantID = tenantID
	}

	res, err := h.svc.StartConsultation(r.Context(), req.StartRequest)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	if !req.Stream {
		// 会话在后台运行，客户端可另行订阅
		res.Events.Unsubscribe()
		WriteSuccessStatus(w, http.StatusAccepted, api.StartConsultationResponse{
			SessionID: res.SessionID,
			Panel:     res.Panel,
			EventsURL: "/api/v1/consultations/" + res.SessionID + "/events",
		})
		return
	}

	streaming.SetSSEHeaders(w)
	w.Header().Set("X-Session-ID", res.SessionID)
	w.WriteHeader(http.StatusOK)
	h.serveSSE(r.Context(), w, res.Events)
}

// HandleList 列出当前租户的归档会话
// @Summary 归档会话列表
// @Tags 咨询
// @Produce json
// @Param limit query int false "返回条数（默认 20，最大 200）"
// @Success 200 {object} api.SessionList "会话列表"
// @Failure 503 {object} Response "未启用归档"
// @Security ApiKeyAuth
// @Router /api/v1/consultations [get]
func (h *ConsultationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "session archive is not configured", h.logger)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be between 1 and 200", h.logger)
			return
		}
		limit = n
	}

	tenantID, _ := types.TenantID(r.Context())
	sessions, err := h.lister.ListByTenant(r.Context(), tenantID, limit)
	if err != nil {
		WriteError(w, types.NewError(types.ErrServiceUnavailable, "session archive unavailable").
			WithCause(err).WithRetryable(true), h.logger)
		return
	}
	WriteSuccess(w, api.SessionList{Sessions: sessions, Total: len(sessions)})
}

// HandleGet 返回会话快照
// @Summary 会话快照
// @Tags 咨询
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response "会话快照"
// @Failure 404 {object} Response "会话不存在"
// @Security ApiKeyAuth
// @Router /api/v1/consultations/{id} [get]
func (h *ConsultationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, sess)
}

// HandleEvents 订阅会话事件（SSE），只推送订阅之后的事件
// @Summary 会话事件流
// @Tags 咨询
// @Produce text/event-stream
// @Param id path string true "会话 ID"
// @Failure 404 {object} Response "会话不存在"
// @Failure 409 {object} Response "会话已结束"
// @Security ApiKeyAuth
// @Router /api/v1/consultations/{id}/events [get]
func (h *ConsultationHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Subscribe(r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	streaming.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	h.serveSSE(r.Context(), w, sub)
}

// HandleWebSocket 以 WebSocket 推送会话事件
// @Summary 会话事件流（WebSocket）
// @Tags 咨询
// @Param id path string true "会话 ID"
// @Failure 404 {object} Response "会话不存在"
// @Failure 409 {object} Response "会话已结束"
// @Security ApiKeyAuth
// @Router /api/v1/consultations/{id}/ws [get]
func (h *ConsultationHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Subscribe(r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出错误响应
		sub.Unsubscribe()
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := streaming.NewWebSocketSink(conn, h.logger)
	if err := sink.Serve(r.Context(), sub); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("websocket stream ended", zap.String("session_id", sub.SessionID()), zap.Error(err))
	}
}

// HandleCancel 取消会话，重复取消幂等
// @Summary 取消会话
// @Tags 咨询
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response "取消结果"
// @Failure 404 {object} Response "会话不存在"
// @Security ApiKeyAuth
// @Router /api/v1/consultations/{id}/cancel [post]
func (h *ConsultationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ack, err := h.svc.CancelSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ack)
}

// HandleCheckpoint 对待决检查点给出决定
// @Summary 人工检查点决定
// @Tags 咨询
// @Accept json
// @Produce json
// @Param id path string true "会话 ID"
// @Param request body api.CheckpointDecisionRequest true "决定"
// @Success 200 {object} Response "检查点"
// @Failure 409 {object} Response "没有待决检查点"
// @Security ApiKeyAuth
// @Router /api/v1/consultations/{id}/checkpoint [post]
func (h *ConsultationHandler) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.CheckpointDecisionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	userID, _ := types.UserID(r.Context())
	cp, err := h.svc.ResolveCheckpoint(r.Context(), r.PathValue("id"), req.Approve, req.Comment, userID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, cp)
}

// HandleRecommendations 检索推荐专家，不创建会话
// @Summary 专家推荐
// @Tags 检索
// @Accept json
// @Produce json
// @Param request body consultation.RecommendRequest true "推荐请求"
// @Success 200 {object} Response "推荐结果"
// @Failure 503 {object} Response "检索不可用"
// @Security ApiKeyAuth
// @Router /api/v1/recommendations [post]
func (h *ConsultationHandler) HandleRecommendations(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req consultation.RecommendRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.svc.GetRecommendations(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

func (h *ConsultationHandler) serveSSE(ctx context.Context, w http.ResponseWriter, sub *streaming.Subscription) {
	err := streaming.ServeSSE(ctx, w, sub, h.heartbeat)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, streaming.ErrSubscriberDropped):
		h.logger.Warn("sse subscriber dropped", zap.String("session_id", sub.SessionID()))
	default:
		h.logger.Debug("sse stream ended", zap.String("session_id", sub.SessionID()), zap.Error(err))
	}
}
