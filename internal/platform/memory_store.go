package platform

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu        sync.RWMutex
	platforms map[int64]*Platform
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{platforms: make(map[int64]*Platform)}
}

// Add registers a platform in the catalog.
func (m *MemoryStore) Add(p *Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.platforms[p.ID] = &cp
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.platforms[id]
	if !ok {
		return nil, ErrPlatformNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Platform
	for _, p := range m.platforms {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
