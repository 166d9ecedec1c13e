package hitl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- test doubles (function callback pattern) ---

type testStore struct {
	saveFn func(ctx context.Context, cp *Checkpoint) error
	listFn func(ctx context.Context, sessionID string) ([]*Checkpoint, error)
}

func (s *testStore) Save(ctx context.Context, cp *Checkpoint) error {
	if s.saveFn != nil {
		return s.saveFn(ctx, cp)
	}
	return nil
}

func (s *testStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	if s.listFn != nil {
		return s.listFn(ctx, sessionID)
	}
	return nil, nil
}

// awaitAsync 在后台等待检查点，opened 在检查点登记后关闭
func awaitAsync(g *Gate, ctx context.Context, req Request) (opened chan *Checkpoint, done chan Decision, errCh chan error) {
	opened = make(chan *Checkpoint, 1)
	done = make(chan Decision, 1)
	errCh = make(chan error, 1)
	go func() {
		d, err := g.Await(ctx, req, func(cp *Checkpoint) { opened <- cp })
		if err != nil {
			errCh <- err
			return
		}
		done <- d
	}()
	return opened, done, errCh
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.HITLConfig{CheckpointTimeout: time.Minute, DefaultAction: "reject"})
	assert.Equal(t, time.Minute, cfg.Timeout)
	assert.Equal(t, ActionReject, cfg.DefaultAction)

	cfg = ConfigFrom(config.HITLConfig{DefaultAction: "bogus"})
	assert.Equal(t, 300*time.Second, cfg.Timeout)
	assert.Equal(t, ActionApprove, cfg.DefaultAction)
}

func TestNewGate_Defaults(t *testing.T) {
	g := NewGate(Config{}, nil, nil, nil)
	require.NotNil(t, g.logger)
	assert.Equal(t, 300*time.Second, g.Config().Timeout)
	assert.Equal(t, ActionApprove, g.Config().DefaultAction)
}

func TestGate_ResolveApprove(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, zap.NewNop())
	opened, done, _ := awaitAsync(g, context.Background(), Request{SessionID: "s1", RoundIndex: 0})

	cp := <-opened
	assert.Equal(t, StatusPending, cp.Status)
	assert.Equal(t, "s1", cp.SessionID)
	assert.WithinDuration(t, cp.CreatedAt.Add(300*time.Second), cp.Deadline, time.Millisecond)

	pending, ok := g.Pending("s1")
	require.True(t, ok)
	assert.Equal(t, cp.ID, pending.ID)

	resolved, err := g.Resolve(context.Background(), "s1", true, "looks good", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)

	d := <-done
	assert.True(t, d.Approved)
	assert.False(t, d.TimedOut)
	assert.Equal(t, "reviewer-1", d.UserID)

	_, ok = g.Pending("s1")
	assert.False(t, ok)

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusApproved, history[0].Status)
	require.NotNil(t, history[0].ResolvedAt)
}

func TestGate_ResolveReject(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, zap.NewNop())
	opened, done, _ := awaitAsync(g, context.Background(), Request{SessionID: "s1"})
	<-opened

	_, err := g.Resolve(context.Background(), "s1", false, "stop here", "")
	require.NoError(t, err)
	assert.False(t, (<-done).Approved)
}

func TestGate_ResolveWithoutPending(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, zap.NewNop())
	_, err := g.Resolve(context.Background(), "nope", true, "", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointNotPending, types.GetErrorCode(err))
}

func TestGate_TimeoutAppliesDefaultAction(t *testing.T) {
	for _, action := range []Action{ActionApprove, ActionReject} {
		t.Run(string(action), func(t *testing.T) {
			g := NewGate(Config{Timeout: 20 * time.Millisecond, DefaultAction: action}, nil, nil, zap.NewNop())
			d, err := g.Await(context.Background(), Request{SessionID: "s1", RoundIndex: 2}, nil)
			require.NoError(t, err)
			assert.True(t, d.TimedOut)
			assert.Equal(t, action == ActionApprove, d.Approved)

			history, err := g.History(context.Background(), "s1")
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, StatusTimeout, history[0].Status)
			assert.Equal(t, 2, history[0].RoundIndex)
		})
	}
}

func TestGate_RequestTimeoutOverride(t *testing.T) {
	g := NewGate(Config{Timeout: time.Hour}, nil, nil, zap.NewNop())
	start := time.Now()
	d, err := g.Await(context.Background(), Request{SessionID: "s1", Timeout: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.True(t, d.TimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_ContextCancel(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	opened, _, errCh := awaitAsync(g, ctx, Request{SessionID: "s1"})
	<-opened
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := g.Pending("s1")
	assert.False(t, ok)

	history, _ := g.History(context.Background(), "s1")
	require.Len(t, history, 1)
	assert.Equal(t, StatusCanceled, history[0].Status)
}

func TestGate_OnePendingPerSession(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, zap.NewNop())
	opened, done, _ := awaitAsync(g, context.Background(), Request{SessionID: "s1"})
	<-opened

	_, err := g.Await(context.Background(), Request{SessionID: "s1"}, nil)
	assert.Error(t, err)

	_, err = g.Resolve(context.Background(), "s1", true, "", "")
	require.NoError(t, err)
	<-done
}

func TestGate_StoreErrorsAreLogged(t *testing.T) {
	var mu sync.Mutex
	saves := 0
	store := &testStore{saveFn: func(ctx context.Context, cp *Checkpoint) error {
		mu.Lock()
		saves++
		mu.Unlock()
		return errors.New("disk full")
	}}
	g := NewGate(Config{Timeout: 10 * time.Millisecond}, store, nil, zap.NewNop())

	d, err := g.Await(context.Background(), Request{SessionID: "s1"}, nil)
	require.NoError(t, err)
	assert.True(t, d.Approved)

	mu.Lock()
	assert.Equal(t, 2, saves)
	mu.Unlock()
}

func TestGate_ConcurrentSessions(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, zap.NewNop())
	ids := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	results := make(map[string]bool)
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		opened := make(chan struct{})
		go func(id string) {
			defer wg.Done()
			d, err := g.Await(context.Background(), Request{SessionID: id}, func(*Checkpoint) { close(opened) })
			require.NoError(t, err)
			mu.Lock()
			results[id] = d.Approved
			mu.Unlock()
		}(id)
		<-opened
	}
	for i, id := range ids {
		_, err := g.Resolve(context.Background(), id, i%2 == 0, "", "")
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": true, "d": false}, results)
}
