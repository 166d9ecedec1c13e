package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore 基于内存的目录，用于测试与本地开发
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]AgentProfile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存目录并装入初始档案
func NewMemoryStore(profiles ...AgentProfile) *MemoryStore {
	s := &MemoryStore{profiles: make(map[string]AgentProfile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ID] = p.Clone()
	}
	return s
}

// Put 写入或覆盖档案
func (s *MemoryStore) Put(p AgentProfile) error {
	if p.ID == "" {
		return fmt.Errorf("agent profile id is required")
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid agent status %q", p.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*AgentProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	clone := p.Clone()
	return &clone, nil
}

func (s *MemoryStore) Query(ctx context.Context, filters Filters) ([]AgentProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if filters.Matches(&p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len 返回档案数量
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
