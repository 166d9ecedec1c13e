package streaming

import "time"

// EventType 会话事件类型
type EventType string

const (
	EventRoundStarted        EventType = "round_started"
	EventAgentOutputDelta    EventType = "agent_output_delta"
	EventAgentOutputComplete EventType = "agent_output_complete"
	EventRoundCompleted      EventType = "round_completed"
	EventCheckpointRequired  EventType = "checkpoint_required"
	EventCheckpointResolved  EventType = "checkpoint_resolved"
	EventSessionCompleted    EventType = "session_completed"
	EventSessionCancelled    EventType = "session_cancelled"
	EventSessionFailed       EventType = "session_failed"
	EventError               EventType = "error"
)

// Terminal 报告该事件是否为会话的最后一个事件
func (t EventType) Terminal() bool {
	switch t {
	case EventSessionCompleted, EventSessionCancelled, EventSessionFailed:
		return true
	}
	return false
}

// Event 会话事件信封。同一会话内 Seq 严格递增。
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	RoundIndex int       `json:"round_index"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
