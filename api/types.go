package api

import (
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
)

// =============================================================================
// 咨询会话类型
// =============================================================================

// StartConsultationRequest 发起咨询请求。
// @Description 发起咨询请求结构
type StartConsultationRequest struct {
	consultation.StartRequest
	// 为 true 时响应直接转为 SSE 事件流
	Stream bool `json:"stream,omitempty" example:"true"`
}

// StartConsultationResponse 非流式发起咨询的响应。
// @Description 会话已创建
type StartConsultationResponse struct {
	// 会话 ID
	SessionID string `json:"session_id" example:"4b7c9f0e-3c1a-4f1e-9d55-2a1e0c4f8b21"`
	// 入组专家
	Panel *panel.Panel `json:"panel"`
	// 事件流地址
	EventsURL string `json:"events_url" example:"/api/v1/consultations/4b7c9f0e-3c1a-4f1e-9d55-2a1e0c4f8b21/events"`
}

// CheckpointDecisionRequest 人工检查点决定。
// @Description 检查点决定结构
type CheckpointDecisionRequest struct {
	// 是否通过
	Approve bool `json:"approve" example:"true"`
	// 备注
	Comment string `json:"comment,omitempty" example:"looks good, continue"`
}

// SessionList 归档会话列表。
// @Description 归档会话列表
type SessionList struct {
	Sessions []*consultation.Session `json:"sessions"`
	Total    int                     `json:"total"`
}
