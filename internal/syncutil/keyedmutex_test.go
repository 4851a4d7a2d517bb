package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 tracked key, got %d", m.Len())
	}
	unlock()
	unlock() // second call is a no-op
	if m.Len() != 0 {
		t.Fatalf("expected key to be released, got %d", m.Len())
	}
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic read-modify-write; lost updates show broken exclusion.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
	if m.Len() != 0 {
		t.Fatalf("expected no tracked keys after all unlocks, got %d", m.Len())
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "blocked"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("cancelled waiter should drop its ref, got %d keys", m.Len())
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock1, err := m.LockContext(context.Background(), "ord_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(ctx, "ord_b")
	if err != nil {
		t.Fatalf("distinct key should not block: %v", err)
	}
	unlock2()
}

func TestKeyedMutex_WaiterAcquiresAfterUnlock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.LockContext(context.Background(), "k")

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(context.Background(), "k")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired while lock held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}
