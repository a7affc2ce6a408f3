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

	unlock, err := m.LockContext(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	if m.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", m.Len())
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
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d: mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(cancelCtx, "blocked")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	if m.Len() != 0 {
		t.Fatalf("cancelled waiter leaked a lock entry")
	}
}

func TestKeyedMutex_DifferentKeysNoContention(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock1, err := m.LockContext(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(timeoutCtx, "bob")
	if err != nil {
		t.Fatalf("distinct keys should not contend: %v", err)
	}

	unlock2()
	unlock1()
}

func TestKeyedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

func TestKeyedMutex_LockAllOppositeOrdersDoNotDeadlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	const rounds = 200
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			unlock, err := m.LockAll(ctx, "alice", "bob")
			if err != nil {
				t.Errorf("lock alice,bob: %v", err)
				return
			}
			unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			unlock, err := m.LockAll(ctx, "bob", "alice")
			if err != nil {
				t.Errorf("lock bob,alice: %v", err)
				return
			}
			unlock()
		}
	}()
	wg.Wait()
}

func TestKeyedMutex_LockAllDedupesKeys(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockAll(context.Background(), "alice", "alice")
	if err != nil {
		t.Fatalf("duplicate keys must not self-deadlock: %v", err)
	}
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", m.Len())
	}
}
