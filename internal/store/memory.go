package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netly/cnagent/internal/task"
)

// Memory is a bounded in-process history. When full, the oldest saved
// instance is evicted.
type Memory struct {
	mu    sync.RWMutex
	max   int
	items map[string]task.Instance
	order []string
}

func NewMemory(maxHistory int) *Memory {
	return &Memory{
		max:   maxHistory,
		items: make(map[string]task.Instance),
	}
}

func (m *Memory) Save(_ context.Context, inst task.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[inst.ID]; !exists {
		m.order = append(m.order, inst.ID)
	}
	m.items[inst.ID] = inst

	for m.max > 0 && len(m.order) > m.max {
		delete(m.items, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (task.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.items[id]
	if !ok {
		return task.Instance{}, task.ErrNotFound
	}
	return inst, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]task.Instance, error) {
	m.mu.RLock()
	out := make([]task.Instance, 0, len(m.items))
	for _, inst := range m.items {
		out = append(out, inst)
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CleanupOld(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	kept := m.order[:0]
	for _, id := range m.order {
		if m.items[id].CreatedAt.Before(cutoff) {
			delete(m.items, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed, nil
}

func sortNewestFirst(list []task.Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
