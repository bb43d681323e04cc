package rules

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory rule store for demo/development mode.
type MemoryStore struct {
	rules map[string]*Rule
	names map[string]string // name -> id
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]*Rule),
		names: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[r.Name]; ok {
		return ErrDuplicateName
	}
	cp := *r
	m.rules[r.ID] = &cp
	m.names[r.Name] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	delete(m.names, r.Name)
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Rule, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Rule
	for _, r := range m.rules {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Severity != "" && r.Severity != f.Severity {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(r.Name), needle) &&
				!strings.Contains(strings.ToLower(r.Description), needle) {
				continue
			}
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*Rule
	for _, r := range m.rules {
		if r.Status == StatusActive {
			cp := *r
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
