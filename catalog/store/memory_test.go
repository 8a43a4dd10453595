package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory(clock *fakeClock) *Memory {
	return NewMemory(WithClock(clock.Now), WithCleanupInterval(time.Hour))
}

func TestMemory_SetGet(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(clock)
	defer m.Close()

	ctx := context.Background()
	if err := m.Set(ctx, "tenant:a:v1", []byte("catalog"), time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := m.Get(ctx, "tenant:a:v1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() miss, want hit")
	}
	if string(got) != "catalog" {
		t.Errorf("Get() = %q, want %q", got, "catalog")
	}
}

func TestMemory_Get(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		advance time.Duration
		wantHit bool
	}{
		{
			name:    "fresh entry is returned",
			ttl:     time.Second,
			advance: 0,
			wantHit: true,
		},
		{
			name:    "entry at exactly its ttl is still valid",
			ttl:     time.Second,
			advance: time.Second,
			wantHit: true,
		},
		{
			name:    "entry past its ttl is not returned",
			ttl:     time.Second,
			advance: time.Second + time.Millisecond,
			wantHit: false,
		},
		{
			name:    "long ttl survives an hour",
			ttl:     2 * time.Hour,
			advance: time.Hour,
			wantHit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMemory(clock)
			defer m.Close()

			ctx := context.Background()
			if err := m.Set(ctx, "k", []byte("v"), tt.ttl); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			clock.Advance(tt.advance)

			_, ok, err := m.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if ok != tt.wantHit {
				t.Errorf("Get() hit = %v, want %v", ok, tt.wantHit)
			}
		})
	}
}

func TestMemory_Get_DeletesExpiredEntry(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(clock)
	defer m.Close()

	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v"), time.Second)
	clock.Advance(2 * time.Second)

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("Get() returned an expired entry")
	}

	m.mu.RLock()
	_, exists := m.entries["k"]
	m.mu.RUnlock()
	if exists {
		t.Error("expired entry still stored after Get")
	}
}

func TestMemory_Set_Overwrites(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(clock)
	defer m.Close()

	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("old"), time.Second)
	clock.Advance(900 * time.Millisecond)
	_ = m.Set(ctx, "k", []byte("new"), time.Second)
	clock.Advance(900 * time.Millisecond)

	got, ok, _ := m.Get(ctx, "k")
	if !ok {
		t.Fatal("Get() miss, overwrite should restart the ttl")
	}
	if string(got) != "new" {
		t.Errorf("Get() = %q, want %q", got, "new")
	}
}

func TestMemory_DeleteAndClear_Idempotent(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(clock)
	defer m.Close()

	ctx := context.Background()

	if err := m.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete() on empty store error = %v", err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Errorf("Clear() on empty store error = %v", err)
	}

	_ = m.Set(ctx, "a", []byte("1"), time.Hour)
	_ = m.Set(ctx, "b", []byte("2"), time.Hour)

	if err := m.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Errorf("Clear() error = %v", err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Size != 0 {
		t.Errorf("Stats().Size = %d, want 0", stats.Size)
	}
}

func TestMemory_Stats(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(clock)
	defer m.Close()

	ctx := context.Background()
	_ = m.Set(ctx, "b", []byte("2"), time.Hour)
	_ = m.Set(ctx, "a", []byte("1"), time.Hour)
	_ = m.Set(ctx, "short", []byte("3"), time.Second)
	clock.Advance(2 * time.Second)

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Size != 2 {
		t.Errorf("Stats().Size = %d, want 2", stats.Size)
	}
	if len(stats.Keys) != 2 || stats.Keys[0] != "a" || stats.Keys[1] != "b" {
		t.Errorf("Stats().Keys = %v, want [a b]", stats.Keys)
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(clock)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_ = m.Set(ctx, fmt.Sprintf("burst:%d", i), []byte("x"), time.Second)
	}
	_ = m.Set(ctx, "keep", []byte("x"), time.Hour)
	clock.Advance(5 * time.Second)

	if removed := m.Sweep(); removed != 100 {
		t.Errorf("Sweep() removed %d, want 100", removed)
	}

	m.mu.RLock()
	remaining := len(m.entries)
	m.mu.RUnlock()
	if remaining != 1 {
		t.Errorf("entries after sweep = %d, want 1", remaining)
	}
}

func TestMemory_Cleanup_RunsWithoutReads(t *testing.T) {
	m := NewMemory(WithCleanupInterval(20 * time.Millisecond))
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = m.Set(ctx, fmt.Sprintf("k:%d", i), []byte("x"), time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		n := len(m.entries)
		m.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("sweeper did not remove expired entries")
}

func TestMemory_Close_Twice(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k:%d:%d", n, j%5)
				_ = m.Set(ctx, key, []byte("v"), time.Minute)
				if _, _, err := m.Get(ctx, key); err != nil {
					t.Errorf("Get() error = %v", err)
				}
				_ = m.Delete(ctx, key)
			}
		}(i)
	}
	wg.Wait()
}
