package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// MemoryStore 在进程内保存流水线快照，适用于开发与测试。
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建一个内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pipelines: make(map[string]*pipeline.Pipeline)}
}

// Create 保存新的流水线，ID 已存在时返回冲突错误。
func (s *MemoryStore) Create(_ context.Context, p *pipeline.Pipeline) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[p.ID]; exists {
		return conflict(p.ID)
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

// Get 返回流水线副本。
func (s *MemoryStore) Get(_ context.Context, id string) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

// Save 覆盖已有流水线的快照。
func (s *MemoryStore) Save(_ context.Context, p *pipeline.Pipeline) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return notFound(p.ID)
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

// List 返回满足条件的流水线副本。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*pipeline.Pipeline, error) {
	opts.applyDefaults()
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := selectPage(s.snapshot(), opts)
	out := make([]*pipeline.Pipeline, len(page))
	for i, p := range page {
		out[i] = p.Clone()
	}
	return out, nil
}

// Stats 统计满足条件的流水线。
func (s *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsOf(s.snapshot(), opts), nil
}

// ActiveIDs 返回仍在等待的流水线。
func (s *MemoryStore) ActiveIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.pipelines))
	for id, p := range s.pipelines {
		if p.Status == pipeline.StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close 对内存存储无操作。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshot() []*pipeline.Pipeline {
	all := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		all = append(all, p)
	}
	return all
}
