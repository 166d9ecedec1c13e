package streaming

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/internal/metrics"

	"go.uber.org/zap"
)

// DefaultBufferSize 每个订阅者的默认缓冲
const DefaultBufferSize = 256

var (
	// ErrStreamClosed 流已关闭
	ErrStreamClosed = errors.New("event stream closed")
	// ErrSubscriberDropped 订阅者缓冲写满后被移除
	ErrSubscriberDropped = errors.New("subscriber dropped: buffer full")
)

// Option 配置 Stream
type Option func(*Stream)

// WithBufferSize 设置订阅者缓冲大小
func WithBufferSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithMetrics 记录被丢弃的订阅者
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Stream) { s.metrics = c }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 替换时间源，用于测试
func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		if now != nil {
			s.now = now
		}
	}
}

// =============================================================================
// 📡 会话事件流
// =============================================================================

// Stream 单个会话的事件流。编排器是唯一发布者。
//
// 不保留历史：订阅只收到订阅之后发布的事件。缓冲写满的订阅者会被移除并关闭通道，
// 发布者不会因慢消费者而阻塞。
type Stream struct {
	sessionID  string
	bufferSize int
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	seq       uint64
	nextSubID uint64
	subs      map[uint64]*Subscription
	closed    bool
}

// NewStream 创建会话事件流
func NewStream(sessionID string, opts ...Option) *Stream {
	s := &Stream{
		sessionID:  sessionID,
		bufferSize: DefaultBufferSize,
		logger:     zap.NewNop(),
		now:        time.Now,
		subs:       make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "event_stream"), zap.String("session_id", sessionID))
	return s
}

// SessionID 返回所属会话
func (s *Stream) SessionID() string { return s.sessionID }

// Publish 分配序号并按顺序投递给当前订阅者
func (s *Stream) Publish(typ EventType, roundIndex int, payload any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, ErrStreamClosed
	}

	s.seq++
	ev := Event{
		Seq:        s.seq,
		Type:       typ,
		SessionID:  s.sessionID,
		RoundIndex: roundIndex,
		Payload:    payload,
		Timestamp:  s.now().UTC(),
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, id)
			sub.dropped.Store(true)
			close(sub.ch)
			s.metrics.RecordSubscriberDropped()
			s.logger.Warn("dropping slow subscriber",
				zap.Uint64("subscriber", id),
				zap.Uint64("seq", ev.Seq),
				zap.Int("buffer", s.bufferSize))
		}
	}
	return ev, nil
}

// Subscribe 注册新的订阅者。流关闭后返回 ErrStreamClosed。
func (s *Stream) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	s.nextSubID++
	sub := &Subscription{
		id:     s.nextSubID,
		ch:     make(chan Event, s.bufferSize),
		stream: s,
	}
	s.subs[sub.id] = sub
	return sub, nil
}

// Close 关闭所有订阅者通道。重复调用无副作用。
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Closed 报告流是否已关闭
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubscriberCount 当前订阅者数量
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// LastSeq 最近一次发布的序号
func (s *Stream) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Stream) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.subs[sub.id]; ok && current == sub {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
}

// =============================================================================
// 📥 订阅
// =============================================================================

// Subscription 一个事件订阅。通道只由所属 Stream 关闭。
type Subscription struct {
	id      uint64
	ch      chan Event
	stream  *Stream
	dropped atomic.Bool
}

// Events 返回事件通道；流关闭、订阅被移除或取消订阅后通道关闭
func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Unsubscribe 取消订阅并关闭通道
func (sub *Subscription) Unsubscribe() { sub.stream.remove(sub) }

// Dropped 报告订阅是否因缓冲写满被移除
func (sub *Subscription) Dropped() bool { return sub.dropped.Load() }

// SessionID 返回订阅所属会话
func (sub *Subscription) SessionID() string { return sub.stream.sessionID }
