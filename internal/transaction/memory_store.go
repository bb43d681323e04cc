package transaction

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwale/fraudlens/internal/anomaly"
)

// MemoryStore is an in-memory transaction store for demo/development
// mode.
type MemoryStore struct {
	transactions map[string]*Transaction
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[t.ID]; ok {
		return ErrDuplicateID
	}
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for _, t := range m.transactions {
		if !matchesTxnFilter(t, f) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
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

func (m *MemoryStore) UserHistory(ctx context.Context, userID string) (*UserHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := &UserHistory{}
	locations := make(map[string]bool)
	devices := make(map[string]bool)
	for _, t := range m.transactions {
		if t.UserID != userID {
			continue
		}
		h.TransactionCount++
		h.TotalSpent += t.Amount
		if t.LocationCity != "" && !locations[t.LocationCity] {
			locations[t.LocationCity] = true
			h.Locations = append(h.Locations, t.LocationCity)
		}
		if t.DeviceID != "" && !devices[t.DeviceID] {
			devices[t.DeviceID] = true
			h.Devices = append(h.Devices, t.DeviceID)
		}
	}
	return h, nil
}

func (m *MemoryStore) UpdateMirror(ctx context.Context, transactionID string, patch anomaly.MirrorPatch) (anomaly.MirrorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[transactionID]
	if !ok {
		return anomaly.MirrorState{}, ErrTransactionNotFound
	}
	if patch.IsFraud != nil {
		t.IsFraud = *patch.IsFraud
	}
	if patch.RiskScore != nil {
		t.RiskScore = *patch.RiskScore
	}
	t.UpdatedAt = time.Now().UTC()
	return anomaly.MirrorState{IsFraud: t.IsFraud, RiskScore: t.RiskScore}, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{}
	for _, t := range m.transactions {
		s.TotalCount++
		s.TotalAmount += t.Amount
		if t.IsFraud {
			s.FraudCount++
			s.FraudAmount += t.Amount
		}
	}
	return s, nil
}

func matchesTxnFilter(t *Transaction, f Filter) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.IsFraud != nil && t.IsFraud != *f.IsFraud {
		return false
	}
	if f.MinAmount != nil && t.Amount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && t.Amount > *f.MaxAmount {
		return false
	}
	if f.From != nil && t.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && t.Timestamp.After(*f.To) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.ID), needle) &&
			!strings.Contains(strings.ToLower(t.UserID), needle) &&
			!strings.Contains(strings.ToLower(t.Merchant), needle) {
			return false
		}
	}
	return true
}

// Compile-time assertions.
var (
	_ Store                     = (*MemoryStore)(nil)
	_ anomaly.TransactionMirror = (*MemoryStore)(nil)
)
