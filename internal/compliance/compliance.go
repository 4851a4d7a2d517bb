// Package compliance records KYC and trade-document status reported by
// external collaborators and answers the escrow's gate questions.
package compliance

import (
	"context"
	"sync"
	"time"
)

// Store records compliance status. Implementations satisfy the escrow's
// ClientVerifier and DocumentChecker.
type Store interface {
	SetClientVerified(ctx context.Context, clientID string, verified bool) error
	IsClientVerified(ctx context.Context, clientID string) (bool, error)
	SetDocumentsComplete(ctx context.Context, orderID string, complete bool) error
	DocumentsComplete(ctx context.Context, orderID string) (bool, error)
}

// MemoryStore is an in-memory Store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	verified  map[string]time.Time
	documents map[string]bool
	ttl       time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store. A positive kycTTL makes
// verifications lapse after that long.
func NewMemoryStore(kycTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		verified:  make(map[string]time.Time),
		documents: make(map[string]bool),
		ttl:       kycTTL,
		now:       time.Now,
	}
}

func (m *MemoryStore) SetClientVerified(_ context.Context, clientID string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !verified {
		delete(m.verified, clientID)
		return nil
	}
	m.verified[clientID] = m.now()
	return nil
}

func (m *MemoryStore) IsClientVerified(_ context.Context, clientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.verified[clientID]
	if !ok {
		return false, nil
	}
	if m.ttl > 0 && m.now().Sub(at) > m.ttl {
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) SetDocumentsComplete(_ context.Context, orderID string, complete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !complete {
		delete(m.documents, orderID)
		return nil
	}
	m.documents[orderID] = true
	return nil
}

func (m *MemoryStore) DocumentsComplete(_ context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.documents[orderID], nil
}
