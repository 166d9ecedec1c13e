package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WriteSSE 以 SSE 帧写出一个事件：id、event 与单行 JSON data
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// SetSSEHeaders 设置 SSE 响应头
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
}

// ServeSSE 把订阅中的事件写成 SSE，直到通道关闭或 ctx 结束。
// heartbeat 大于 0 时定期写注释行保持连接。调用方负责设置响应头。
func ServeSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}
	flusher.Flush()

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return ctx.Err()
		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				sub.Unsubscribe()
				return err
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					return ErrSubscriberDropped
				}
				return nil
			}
			if err := WriteSSE(w, ev); err != nil {
				sub.Unsubscribe()
				return err
			}
			flusher.Flush()
		}
	}
}
