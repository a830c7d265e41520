package prediction

import (
	"context"
	"fmt"
	"sync"
)

// Store persists predictions. Settle must be atomic: it only succeeds while
// the stored prediction is pending and returns ErrAlreadyResolved otherwise.
type Store interface {
	Create(ctx context.Context, p *Prediction) error
	Get(ctx context.Context, id string) (*Prediction, error)
	List(ctx context.Context, f Filter) ([]*Prediction, error)
	Settle(ctx context.Context, id string, s Settlement) (*Prediction, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Prediction
	order []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Prediction)}
}

func (m *MemoryStore) Create(_ context.Context, p *Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[p.ID]; exists {
		return fmt.Errorf("prediction %s already exists", p.ID)
	}
	m.byID[p.ID] = p.Clone()
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// List returns matching predictions, newest first unless f.Oldest is set.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Prediction, 0)
	skipped := 0
	for n := range m.order {
		i := len(m.order) - 1 - n
		if f.Oldest {
			i = n
		}
		p := m.byID[m.order[i]]
		if !f.Match(p) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, p.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Settle(_ context.Context, id string, s Settlement) (*Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, p.Status)
	}

	resolvedAt := s.ResolvedAt
	p.Status = s.Status
	p.Profit = s.Profit
	p.ActualValue = s.ActualValue
	p.ResolvedAt = &resolvedAt
	if s.Distribution != nil {
		d := *s.Distribution
		p.Distribution = &d
	}
	return p.Clone(), nil
}
