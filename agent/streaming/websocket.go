package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WebSocketSink 把事件写为 WebSocket JSON 文本帧。写操作通过 mutex 保护，
// 因为 WebSocket 不支持并发写。
type WebSocketSink struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// NewWebSocketSink 从已建立的连接创建 sink
func NewWebSocketSink(conn *websocket.Conn, logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_event_sink")),
	}
}

// WriteEvent 序列化事件并发送
func (w *WebSocketSink) WriteEvent(ctx context.Context, ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close 以给定状态关闭连接
func (w *WebSocketSink) Close(code websocket.StatusCode, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(code, reason)
}

// Serve 转发订阅事件直到通道关闭，然后正常关闭连接。
// 订阅因缓冲写满被移除时以 StatusTryAgainLater 关闭，客户端可重连（无重放）。
func (w *WebSocketSink) Serve(ctx context.Context, sub *Subscription) error {
	// 丢弃客户端发来的消息，并在对端关闭时取消 ctx
	ctx = w.conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			_ = w.Close(websocket.StatusGoingAway, "context done")
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					w.logger.Warn("subscriber dropped, closing websocket", zap.String("session_id", sub.SessionID()))
					_ = w.Close(websocket.StatusTryAgainLater, "subscriber too slow")
					return ErrSubscriberDropped
				}
				return w.Close(websocket.StatusNormalClosure, "stream closed")
			}
			if err := w.WriteEvent(ctx, ev); err != nil {
				sub.Unsubscribe()
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					return nil
				}
				return err
			}
		}
	}
}
