package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func TestStream_PublishOrderAndSeq(t *testing.T) {
	s := NewStream("sess-1", WithLogger(zap.NewNop()))
	sub, err := s.Subscribe()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Publish(EventAgentOutputDelta, 0, map[string]string{"delta": "x"})
		require.NoError(t, err)
	}
	_, err = s.Publish(EventSessionCompleted, 0, nil)
	require.NoError(t, err)
	s.Close()

	events := drain(sub)
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "sess-1", ev.SessionID)
	}
	assert.True(t, events[5].Type.Terminal())
	assert.Equal(t, uint64(6), s.LastSeq())
}

func TestStream_NoReplayForLateSubscriber(t *testing.T) {
	s := NewStream("sess-1")
	_, _ = s.Publish(EventRoundStarted, 0, nil)
	_, _ = s.Publish(EventRoundCompleted, 0, nil)

	late, err := s.Subscribe()
	require.NoError(t, err)
	_, _ = s.Publish(EventRoundStarted, 1, nil)
	s.Close()

	events := drain(late)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, 1, events[0].RoundIndex)
}

func TestStream_DropsSlowSubscriber(t *testing.T) {
	s := NewStream("sess-1", WithBufferSize(2))
	slow, err := s.Subscribe()
	require.NoError(t, err)
	fast, err := s.Subscribe()
	require.NoError(t, err)

	var fastEvents []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fastEvents = drain(fast)
	}()

	for i := 0; i < 3; i++ {
		_, err := s.Publish(EventAgentOutputDelta, 0, nil)
		require.NoError(t, err)
		// 给快速订阅者时间消费
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, slow.Dropped())
	slowEvents := drain(slow)
	assert.Len(t, slowEvents, 2)
	assert.Equal(t, 1, s.SubscriberCount())

	s.Close()
	wg.Wait()
	assert.Len(t, fastEvents, 3)
	assert.False(t, fast.Dropped())
}

func TestStream_CloseAndUnsubscribe(t *testing.T) {
	s := NewStream("sess-1")
	sub, err := s.Subscribe()
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, s.SubscriberCount())

	s.Close()
	s.Close()
	assert.True(t, s.Closed())

	_, err = s.Publish(EventError, 0, nil)
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = s.Subscribe()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_ConcurrentSubscribers(t *testing.T) {
	s := NewStream("sess-1")
	const subscribers = 8
	const events = 50

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		var err error
		subs[i], err = s.Subscribe()
		require.NoError(t, err)
	}

	results := make([][]Event, subscribers)
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = drain(sub)
		}(i, sub)
	}

	for i := 0; i < events; i++ {
		_, err := s.Publish(EventAgentOutputDelta, 0, i)
		require.NoError(t, err)
	}
	s.Close()
	wg.Wait()

	for _, evs := range results {
		require.Len(t, evs, events)
		for j := 1; j < len(evs); j++ {
			assert.Greater(t, evs[j].Seq, evs[j-1].Seq)
		}
	}
}

func TestWriteSSE(t *testing.T) {
	var sb strings.Builder
	ev := Event{Seq: 7, Type: EventRoundCompleted, SessionID: "s", RoundIndex: 1, Payload: map[string]float64{"score": 0.9}}
	require.NoError(t, WriteSSE(&sb, ev))

	out := sb.String()
	assert.True(t, strings.HasPrefix(out, "id: 7\nevent: round_completed\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
}

func TestServeSSE(t *testing.T) {
	s := NewStream("sess-1")
	sub, err := s.Subscribe()
	require.NoError(t, err)

	go func() {
		_, _ = s.Publish(EventRoundStarted, 0, nil)
		_, _ = s.Publish(EventSessionCompleted, 0, map[string]string{"final_answer": "ok"})
		s.Close()
	}()

	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	require.NoError(t, ServeSSE(context.Background(), rec, sub, 0))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: round_started")
	assert.Contains(t, body, "event: session_completed")

	var types []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, line)
		}
	}
	assert.Equal(t, []string{"round_started", "session_completed"}, types)
}

func TestServeSSE_ContextDone(t *testing.T) {
	s := NewStream("sess-1")
	sub, err := s.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ServeSSE(ctx, httptest.NewRecorder(), sub, time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestWebSocketSink_Serve(t *testing.T) {
	s := NewStream("sess-ws")
	sub, err := s.Subscribe()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = NewWebSocketSink(conn, zap.NewNop()).Serve(r.Context(), sub)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	go func() {
		_, _ = s.Publish(EventRoundStarted, 0, nil)
		_, _ = s.Publish(EventSessionCompleted, 0, nil)
		s.Close()
	}()

	var got []Event
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		assert.Equal(t, websocket.MessageText, typ)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		got = append(got, ev)
	}

	require.Len(t, got, 2)
	assert.Equal(t, EventRoundStarted, got[0].Type)
	assert.Equal(t, EventSessionCompleted, got[1].Type)
	assert.Equal(t, "sess-ws", got[1].SessionID)
}
