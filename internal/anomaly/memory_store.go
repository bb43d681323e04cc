package anomaly

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory anomaly store for demo/development mode.
type MemoryStore struct {
	anomalies map[string]*Anomaly
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory anomaly store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{anomalies: make(map[string]*Anomaly)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneAnomaly(a)
	m.anomalies[a.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.anomalies[id]
	if !ok {
		return nil, ErrAnomalyNotFound
	}
	return cloneAnomaly(a), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.anomalies[a.ID]; !ok {
		return ErrAnomalyNotFound
	}
	m.anomalies[a.ID] = cloneAnomaly(a)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (*Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.anomalies[id]
	if !ok {
		return nil, ErrAnomalyNotFound
	}
	delete(m.anomalies, id)
	return cloneAnomaly(a), nil
}

func (m *MemoryStore) FindByTransactionID(ctx context.Context, transactionID string) ([]*Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Anomaly
	for _, a := range m.anomalies {
		if a.TransactionID == transactionID {
			result = append(result, cloneAnomaly(a))
		}
	}
	sortByTimestampDesc(result)
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Anomaly, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Anomaly
	for _, a := range m.anomalies {
		if !matchesFilter(a, f) {
			continue
		}
		matched = append(matched, cloneAnomaly(a))
	}
	sortByTimestampDesc(matched)

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

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Anomaly
	for _, a := range m.anomalies {
		if a.Status == StatusOpen {
			result = append(result, cloneAnomaly(a))
		}
	}
	sortByTimestampDesc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, a := range m.anomalies {
		counts[a.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) SeverityDistribution(ctx context.Context) (map[Severity]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Severity]int)
	for _, a := range m.anomalies {
		counts[a.Severity]++
	}
	return counts, nil
}

func matchesFilter(a *Anomaly, f Filter) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Algorithm != "" && (a.TriggeredBy == nil || a.TriggeredBy.Algorithm != f.Algorithm) {
		return false
	}
	if f.MinRisk != nil && a.RiskScore < *f.MinRisk {
		return false
	}
	if f.MaxRisk != nil && a.RiskScore > *f.MaxRisk {
		return false
	}
	if f.From != nil && a.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && a.Timestamp.After(*f.To) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(a.Description), needle) &&
			!strings.Contains(strings.ToLower(a.TransactionID), needle) {
			return false
		}
	}
	return true
}

func sortByTimestampDesc(list []*Anomaly) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].Timestamp.After(list[j].Timestamp)
	})
}

// cloneAnomaly deep-copies a record so callers never share slices with
// the store.
func cloneAnomaly(a *Anomaly) *Anomaly {
	cp := *a
	if a.TriggeredBy != nil {
		tb := *a.TriggeredBy
		tb.RiskFactors = append([]string(nil), a.TriggeredBy.RiskFactors...)
		cp.TriggeredBy = &tb
	}
	cp.Comments = append([]Comment(nil), a.Comments...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
