package handlers

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

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/consultation"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/discovery"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

type fakeConsultations struct {
	startFn     func(ctx context.Context, req consultation.StartRequest) (*consultation.StartResult, error)
	recommendFn func(ctx context.Context, req consultation.RecommendRequest) (*discovery.Result, error)
	cancelFn    func(ctx context.Context, id string) (*consultation.CancelAck, error)
	subscribeFn func(id string) (*streaming.Subscription, error)
	getFn       func(ctx context.Context, id string) (*consultation.Session, error)
	resolveFn   func(ctx context.Context, id string, approve bool, comment, userID string) (*hitl.Checkpoint, error)
}

func (f *fakeConsultations) StartConsultation(ctx context.Context, req consultation.StartRequest) (*consultation.StartResult, error) {
	return f.startFn(ctx, req)
}

func (f *fakeConsultations) GetRecommendations(ctx context.Context, req consultation.RecommendRequest) (*discovery.Result, error) {
	return f.recommendFn(ctx, req)
}

func (f *fakeConsultations) CancelSession(ctx context.Context, id string) (*consultation.CancelAck, error) {
	return f.cancelFn(ctx, id)
}

func (f *fakeConsultations) Subscribe(id string) (*streaming.Subscription, error) {
	return f.subscribeFn(id)
}

func (f *fakeConsultations) GetSession(ctx context.Context, id string) (*consultation.Session, error) {
	return f.getFn(ctx, id)
}

func (f *fakeConsultations) ResolveCheckpoint(ctx context.Context, id string, approve bool, comment, userID string) (*hitl.Checkpoint, error) {
	return f.resolveFn(ctx, id, approve, comment, userID)
}

type fakeLister struct {
	listFn func(ctx context.Context, tenantID string, limit int) ([]*consultation.Session, error)
}

func (f *fakeLister) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*consultation.Session, error) {
	return f.listFn(ctx, tenantID, limit)
}

// scriptedStream 订阅后在后台发布给定事件并关闭流
func scriptedStream(t *testing.T, id string, evs ...streaming.EventType) (*streaming.Subscription, func()) {
	t.Helper()
	stream := streaming.NewStream(id)
	sub, err := stream.Subscribe()
	require.NoError(t, err)
	run := func() {
		go func() {
			for i, typ := range evs {
				_, _ = stream.Publish(typ, i, map[string]int{"n": i})
			}
			stream.Close()
		}()
	}
	return sub, run
}

func notFound(id string) error {
	return types.Errorf(types.ErrSessionNotFound, "session %s not found", id).WithHTTPStatus(http.StatusNotFound)
}

func newTestMux(svc ConsultationService, opts ...ConsultationOption) *http.ServeMux {
	mux := http.NewServeMux()
	NewConsultationHandler(svc, zap.NewNop(), append([]ConsultationOption{WithHeartbeat(0)}, opts...)...).Register(mux)
	return mux
}

func jsonRequest(method, path, body string) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var resp Response
	if data != nil {
		resp.Data = data
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

// parseSSE 按帧解析 event 名称
func parseSSE(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	return events
}

// =============================================================================
// 🧪 ConsultationHandler 测试
// =============================================================================

func TestHandleStart_Background(t *testing.T) {
	var sub *streaming.Subscription
	svc := &fakeConsultations{startFn: func(ctx context.Context, req consultation.StartRequest) (*consultation.StartResult, error) {
		assert.Equal(t, "Which endpoint for the pivotal trial?", req.Question)
		assert.Equal(t, consultation.ModeParallel, req.Mode)
		require.Len(t, req.Experts, 2)
		assert.Equal(t, panel.Named(panel.ExpertClinical), req.Experts[0])
		assert.Equal(t, panel.CatalogAgent("expert-biostat"), req.Experts[1])
		assert.Equal(t, "tenant-a", req.TenantID)
		var err error
		stream := streaming.NewStream("s-1")
		sub, err = stream.Subscribe()
		require.NoError(t, err)
		return &consultation.StartResult{SessionID: "s-1", Panel: &panel.Panel{Source: panel.SourceExplicit}, Events: sub}, nil
	}}
	mux := newTestMux(svc)

	body := `{"question":"Which endpoint for the pivotal trial?","mode":"parallel",
		"experts":[{"kind":"named","name":"clinical"},{"kind":"catalog","id":"expert-biostat"}]}`
	r := jsonRequest(http.MethodPost, "/api/v1/consultations", body)
	r = r.WithContext(types.WithTenantID(r.Context(), "tenant-a"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var data map[string]any
	resp := decodeResponse(t, w, &data)
	assert.True(t, resp.Success)
	assert.Equal(t, "s-1", data["session_id"])
	assert.Equal(t, "/api/v1/consultations/s-1/events", data["events_url"])

	// 非流式请求不保留初始订阅
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestHandleStart_Stream(t *testing.T) {
	svc := &fakeConsultations{startFn: func(ctx context.Context, req consultation.StartRequest) (*consultation.StartResult, error) {
		sub, run := scriptedStream(t, "s-2",
			streaming.EventRoundStarted, streaming.EventAgentOutputComplete, streaming.EventSessionCompleted)
		run()
		return &consultation.StartResult{SessionID: "s-2", Panel: &panel.Panel{}, Events: sub}, nil
	}}
	mux := newTestMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/consultations", `{"question":"q","mode":"sequential","stream":true}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "s-2", w.Header().Get("X-Session-ID"))
	assert.Equal(t, []string{"round_started", "agent_output_complete", "session_completed"}, parseSSE(t, w.Body.String()))
	assert.Contains(t, w.Body.String(), "id: 1\n")
}

func TestHandleStart_Errors(t *testing.T) {
	svc := &fakeConsultations{startFn: func(ctx context.Context, req consultation.StartRequest) (*consultation.StartResult, error) {
		return nil, types.NewError(types.ErrAgentUnavailable, "experts unavailable: ghost (not found)").WithHTTPStatus(422)
	}}
	mux := newTestMux(svc)

	tests := []struct {
		name string
		req  *http.Request
		want int
		code string
	}{
		{"service error", jsonRequest(http.MethodPost, "/api/v1/consultations", `{"question":"q","mode":"parallel"}`), 422, "AGENT_UNAVAILABLE"},
		{"unknown field", jsonRequest(http.MethodPost, "/api/v1/consultations", `{"question":"q","rounds":3}`), 400, "INVALID_REQUEST"},
		{"wrong content type", httptest.NewRequest(http.MethodPost, "/api/v1/consultations", strings.NewReader(`{}`)), 400, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, tt.req)
			assert.Equal(t, tt.want, w.Code)
			resp := decodeResponse(t, w, nil)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandleGet(t *testing.T) {
	svc := &fakeConsultations{getFn: func(ctx context.Context, id string) (*consultation.Session, error) {
		if id != "s-3" {
			return nil, notFound(id)
		}
		return &consultation.Session{ID: "s-3", Status: consultation.StatusRunning, Rounds: []consultation.Round{}}, nil
	}}
	mux := newTestMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/s-3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var sess consultation.Session
	decodeResponse(t, w, &sess)
	assert.Equal(t, consultation.StatusRunning, sess.Status)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeResponse(t, w, nil).Error.Code)
}

func TestHandleEvents(t *testing.T) {
	svc := &fakeConsultations{subscribeFn: func(id string) (*streaming.Subscription, error) {
		switch id {
		case "done":
			return nil, types.NewError(types.ErrSessionTerminal, "finished").WithHTTPStatus(409)
		case "live":
			sub, run := scriptedStream(t, id, streaming.EventRoundCompleted, streaming.EventSessionCancelled)
			run()
			return sub, nil
		}
		return nil, notFound(id)
	}}
	mux := newTestMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/live/events", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"round_completed", "session_cancelled"}, parseSSE(t, w.Body.String()))

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/done/events", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestHandleWebSocket(t *testing.T) {
	var (
		mu     sync.Mutex
		stream *streaming.Stream
	)
	svc := &fakeConsultations{subscribeFn: func(id string) (*streaming.Subscription, error) {
		mu.Lock()
		defer mu.Unlock()
		stream = streaming.NewStream(id)
		return stream.Subscribe()
	}}
	srv := httptest.NewServer(newTestMux(svc))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/consultations/s-ws/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	mu.Lock()
	s := stream
	mu.Unlock()
	_, err = s.Publish(streaming.EventRoundStarted, 0, nil)
	require.NoError(t, err)
	_, err = s.Publish(streaming.EventSessionCompleted, 0, nil)
	require.NoError(t, err)
	s.Close()

	var got []streaming.EventType
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var ev streaming.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, "s-ws", ev.SessionID)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []streaming.EventType{streaming.EventRoundStarted, streaming.EventSessionCompleted}, got)
}

func TestHandleCancel(t *testing.T) {
	svc := &fakeConsultations{cancelFn: func(ctx context.Context, id string) (*consultation.CancelAck, error) {
		return &consultation.CancelAck{SessionID: id, Status: consultation.StatusCancelled}, nil
	}}
	mux := newTestMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/consultations/s-4/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var ack consultation.CancelAck
	decodeResponse(t, w, &ack)
	assert.Equal(t, "s-4", ack.SessionID)
	assert.Equal(t, consultation.StatusCancelled, ack.Status)
	assert.False(t, ack.AlreadyTerminal)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/s-4/cancel", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleCheckpoint(t *testing.T) {
	svc := &fakeConsultations{resolveFn: func(ctx context.Context, id string, approve bool, comment, userID string) (*hitl.Checkpoint, error) {
		assert.Equal(t, "s-5", id)
		assert.False(t, approve)
		assert.Equal(t, "stop here", comment)
		assert.Equal(t, "reviewer-7", userID)
		return &hitl.Checkpoint{ID: "cp_1", SessionID: id, Status: hitl.StatusRejected}, nil
	}}
	mux := newTestMux(svc)

	r := jsonRequest(http.MethodPost, "/api/v1/consultations/s-5/checkpoint", `{"approve":false,"comment":"stop here"}`)
	r = r.WithContext(types.WithUserID(r.Context(), "reviewer-7"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var cp hitl.Checkpoint
	decodeResponse(t, w, &cp)
	assert.Equal(t, hitl.StatusRejected, cp.Status)
}

func TestHandleRecommendations(t *testing.T) {
	svc := &fakeConsultations{recommendFn: func(ctx context.Context, req consultation.RecommendRequest) (*discovery.Result, error) {
		assert.Equal(t, "oncology biomarkers", req.Query)
		assert.Equal(t, 2, req.TopK)
		return &discovery.Result{QueryText: req.Query, Entries: []discovery.Match{{Score: 0.9}}}, nil
	}}
	mux := newTestMux(svc)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/recommendations", `{"query":"oncology biomarkers","top_k":2}`))
	require.Equal(t, http.StatusOK, w.Code)
	var res discovery.Result
	decodeResponse(t, w, &res)
	assert.Len(t, res.Entries, 1)
}

func TestHandleList(t *testing.T) {
	w := httptest.NewRecorder()
	newTestMux(&fakeConsultations{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	lister := &fakeLister{listFn: func(ctx context.Context, tenantID string, limit int) ([]*consultation.Session, error) {
		assert.Equal(t, "tenant-b", tenantID)
		return []*consultation.Session{{ID: "a"}, {ID: "b"}}[:min(limit, 2)], nil
	}}
	mux := newTestMux(&fakeConsultations{}, WithSessionLister(lister))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/consultations?limit=1", nil)
	r = r.WithContext(types.WithTenantID(r.Context(), "tenant-b"))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []consultation.Session `json:"sessions"`
		Total    int                    `json:"total"`
	}
	decodeResponse(t, w, &list)
	assert.Equal(t, 1, list.Total)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/consultations?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
