package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	holds     map[string]*Hold     // order id -> hold
	transfers map[string]*Transfer // idempotency key -> transfer
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:     make(map[string]*Hold),
		transfers: make(map[string]*Transfer),
	}
}

func (m *MemoryStore) CreateHold(ctx context.Context, hold *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[hold.OrderID]; ok {
		return ErrDuplicate
	}
	cp := *hold
	m.holds[hold.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, orderID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) RecordTransfer(ctx context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	h, ok := m.holds[t.OrderID]
	if !ok {
		return ErrHoldNotFound
	}
	if t.Amount.GreaterThan(h.Remaining()) {
		return ErrInsufficientHold
	}
	h.Released = h.Released.Add(t.Amount)
	cp := *t
	m.transfers[t.IdempotencyKey] = &cp
	return nil
}

func (m *MemoryStore) GetTransfer(ctx context.Context, idempotencyKey string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTransfers(ctx context.Context, orderID string) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transfer
	for _, t := range m.transfers {
		if t.OrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TxRef < out[j].TxRef
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
