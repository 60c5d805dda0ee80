package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

type memoryEntry struct {
	mu      sync.Mutex
	list    shoplist.List
	deleted bool
}

// Memory keeps lists in process memory. The map lock is only held to find an
// entry; mutations serialize on the entry's own lock so lists never contend
// with each other.
type Memory struct {
	mu    sync.RWMutex
	lists map[string]*memoryEntry
}

func NewMemory() *Memory {
	return &Memory{lists: make(map[string]*memoryEntry)}
}

func (m *Memory) entry(listID string) (*memoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.lists[listID]
	return e, ok
}

func (m *Memory) CreateList(_ context.Context, list shoplist.List) (shoplist.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[list.ID]; ok {
		return shoplist.List{}, fmt.Errorf("list %s already exists", list.ID)
	}
	m.lists[list.ID] = &memoryEntry{list: list.Clone()}
	return list.Clone(), nil
}

func (m *Memory) GetList(_ context.Context, listID string) (shoplist.List, error) {
	e, ok := m.entry(listID)
	if !ok {
		return shoplist.List{}, listNotFound(listID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return shoplist.List{}, listNotFound(listID)
	}
	return e.list.Clone(), nil
}

func (m *Memory) SaveList(_ context.Context, list shoplist.List) error {
	e, ok := m.entry(list.ID)
	if !ok {
		return listNotFound(list.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return listNotFound(list.ID)
	}
	e.list = list.Clone()
	return nil
}

func (m *Memory) UpdateList(_ context.Context, listID string, fn MutateFunc) (shoplist.List, error) {
	e, ok := m.entry(listID)
	if !ok {
		return shoplist.List{}, listNotFound(listID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return shoplist.List{}, listNotFound(listID)
	}
	working := e.list.Clone()
	if err := fn(&working); err != nil {
		return shoplist.List{}, err
	}
	working.ID = listID
	e.list = working
	return working.Clone(), nil
}

func (m *Memory) ListsByGroup(_ context.Context, groupID string) ([]shoplist.List, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.lists))
	for _, e := range m.lists {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]shoplist.List, 0)
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.list.GroupID == groupID {
			out = append(out, e.list.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteList(_ context.Context, listID string) error {
	m.mu.Lock()
	e, ok := m.lists[listID]
	if ok {
		delete(m.lists, listID)
	}
	m.mu.Unlock()
	if !ok {
		return listNotFound(listID)
	}
	// An update already holding the entry must not resurrect it.
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	return nil
}
