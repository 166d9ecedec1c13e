package consultation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/hitl"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/panel"
	"github.com/curatedhealth/vital-expert-platform-sub045/agent/streaming"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/tokenizer"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- test doubles (function callback pattern) ---

type testProvider struct {
	completionFn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	mu          sync.Mutex
	requests    []*llm.ChatRequest
	streamCalls int
}

func (p *testProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.record(req)
	return p.completionFn(ctx, req)
}

// Stream 复用 completionFn，把回答拆成两段下发
func (p *testProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	p.record(req)
	p.mu.Lock()
	p.streamCalls++
	p.mu.Unlock()
	resp, err := p.completionFn(ctx, req)
	if err != nil {
		return nil, err
	}
	text := resp.Choices[0].Message.Content
	half := len(text) / 2
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: text[:half]}}
	ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: text[half:]}, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *testProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *testProvider) Name() string { return "test" }

func (p *testProvider) record(req *llm.ChatRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
}

// requestsFor 返回某位专家收到的全部请求
func (p *testProvider) requestsFor(agentID string) []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*llm.ChatRequest
	for _, r := range p.requests {
		if r.Metadata["agent_id"] == agentID {
			out = append(out, r)
		}
	}
	return out
}

type testEmbedder struct {
	embedFn func(ctx context.Context, texts []string) ([][]float64, error)
}

func (e *testEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	return e.embedFn(ctx, texts)
}

// keywordEmbedder 每个关键词一个维度，出现即为 1
func keywordEmbedder(keywords ...string) *testEmbedder {
	return &testEmbedder{embedFn: func(ctx context.Context, texts []string) ([][]float64, error) {
		out := make([][]float64, len(texts))
		for i, text := range texts {
			vec := make([]float64, len(keywords))
			for k, kw := range keywords {
				if strings.Contains(text, kw) {
					vec[k] = 1
				}
			}
			out[i] = vec
		}
		return out, nil
	}}
}

type testEvidence struct {
	retrieveFn func(ctx context.Context, question, persona string) ([]Citation, error)
}

func (e *testEvidence) RetrieveEvidence(ctx context.Context, question, persona string) ([]Citation, error) {
	return e.retrieveFn(ctx, question, persona)
}

type testArchive struct {
	mu    sync.Mutex
	saved map[string]*Session
}

func newTestArchive() *testArchive {
	return &testArchive{saved: make(map[string]*Session)}
}

func (a *testArchive) Save(ctx context.Context, s *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[s.ID] = s.Clone()
	return nil
}

func (a *testArchive) Get(ctx context.Context, id string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.saved[id]
	if !ok {
		return nil, ErrNotArchived
	}
	return s.Clone(), nil
}

// --- helpers ---

func reply(text string) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model:   "test-model",
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}},
	}, nil
}

func agentOf(req *llm.ChatRequest) string { return req.Metadata["agent_id"] }

func roundOf(req *llm.ChatRequest) string { return req.Metadata["round"] }

func userPrompt(req *llm.ChatRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

func blockUntilDone(ctx context.Context) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testProfiles(ids ...string) []catalog.AgentProfile {
	out := make([]catalog.AgentProfile, len(ids))
	for i, id := range ids {
		out[i] = catalog.AgentProfile{
			ID:     id,
			Name:   "Expert " + id,
			Role:   "clinical specialist",
			Status: catalog.StatusActive,
			Model:  catalog.ModelParams{Model: "test-model", Temperature: 0.2, MaxTokens: 512},
		}
	}
	return out
}

func experts(ids ...string) []panel.ExpertRef {
	refs := make([]panel.ExpertRef, len(ids))
	for i, id := range ids {
		refs[i] = panel.CatalogAgent(id)
	}
	return refs
}

func hitlConfig(timeout time.Duration, action string) hitl.Config {
	return hitl.Config{Timeout: timeout, DefaultAction: hitl.Action(action)}
}

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }

type harnessOpts struct {
	embedder DocumentEmbedder
	evidence EvidenceSupplier
	archive  Archive
	gate     hitl.Config
	config   func(*Config)
}

type harness struct {
	svc      *Service
	gate     *hitl.Gate
	provider *testProvider
}

func newHarness(t *testing.T, provider *testProvider, opts harnessOpts, ids ...string) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ParticipantTimeout = 2 * time.Second
	cfg.SessionTimeout = 10 * time.Second
	cfg.MaxRetries = 1
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.SessionRetention = time.Minute
	if opts.config != nil {
		opts.config(&cfg)
	}

	gate := hitl.NewGate(opts.gate, nil, nil, zap.NewNop())
	orch := NewOrchestrator(cfg, Dependencies{
		Provider: provider,
		Embedder: opts.embedder,
		Evidence: opts.evidence,
		Gate:     gate,
		Logger:   zap.NewNop(),
	})
	orch.prompts.tok = tokenizer.NewEstimatorTokenizer("test", 0)

	store := catalog.NewMemoryStore(testProfiles(ids...)...)
	var svcOpts []ServiceOption
	if opts.archive != nil {
		svcOpts = append(svcOpts, WithArchive(opts.archive))
	}
	svc := NewService(cfg, panel.NewComposer(store, nil, zap.NewNop()), nil, orch, svcOpts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return &harness{svc: svc, gate: gate, provider: provider}
}

// collect 读取事件直到流关闭
func collect(t *testing.T, sub *streaming.Subscription) []streaming.Event {
	t.Helper()
	var events []streaming.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(events))
			return events
		}
	}
}

// waitFor 读取事件直到出现指定类型，之前的事件一并返回
func waitFor(t *testing.T, sub *streaming.Subscription, typ streaming.EventType) []streaming.Event {
	t.Helper()
	var events []streaming.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "stream closed before %s", typ)
			events = append(events, ev)
			if ev.Type == typ {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return events
		}
	}
}

func eventTypes(events []streaming.Event) []streaming.EventType {
	out := make([]streaming.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countType(events []streaming.Event, typ streaming.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
