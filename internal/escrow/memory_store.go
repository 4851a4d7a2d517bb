package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/tradeescrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Commit applies a changeset under one mutex, so readers never observe a
// release without its order update.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	disputes map[string]*Dispute
	pending  map[string]*PendingRelease
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		disputes: make(map[string]*Dispute),
		pending:  make(map[string]*PendingRelease),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return ErrConflict
	}
	cp := o.Clone()
	cp.Version = 1
	o.Version = 1
	m.orders[o.ID] = cp
	return nil
}

// GetOrder returns a deep copy; callers may mutate it freely.
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*Order, error) {
	after, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Flagged != nil && o.Flagged != *f.Flagged {
			continue
		}
		if f.PartyID != "" && !involves(o, f.PartyID) {
			continue
		}
		if !after.After(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func involves(o *Order, party string) bool {
	return o.BuyerID == party || o.SellerID == party || o.BuyerBankID == party || o.SellerBankID == party
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListUnsettledDisputes(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == DisputeResolved && !d.Settled {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before touching state so a failed commit leaves
	// no partial changes.
	if cs.Order != nil {
		current, ok := m.orders[cs.Order.ID]
		if !ok {
			return ErrNotFound
		}
		if current.Version != cs.Order.Version {
			return ErrConflict
		}
	}
	if cs.Dispute != nil {
		_, exists := m.disputes[cs.Dispute.ID]
		if cs.NewDispute == exists {
			return ErrConflict
		}
	}
	if cs.Release != nil && cs.Order != nil {
		for _, r := range m.orders[cs.Order.ID].Releases {
			if r.IdempotencyKey == cs.Release.IdempotencyKey {
				return ErrConflict
			}
		}
	}

	if cs.Order != nil {
		cs.Order.Version++
		m.orders[cs.Order.ID] = cs.Order.Clone()
	}
	if cs.Dispute != nil {
		m.disputes[cs.Dispute.ID] = cs.Dispute.Clone()
	}
	if cs.ClearPending != "" {
		delete(m.pending, cs.ClearPending)
	}
	return nil
}

func (m *MemoryStore) SavePending(_ context.Context, p *PendingRelease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.pending[p.Key] = &cp
	return nil
}

func (m *MemoryStore) DeletePending(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, key)
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, orderID string) ([]*PendingRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PendingRelease
	for _, p := range m.pending {
		if orderID == "" || p.OrderID == orderID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
