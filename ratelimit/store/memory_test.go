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

func newTestMemory(t *testing.T, clock *fakeClock) *Memory {
	t.Helper()
	m := NewMemory(WithClock(clock.Now), WithCleanupInterval(time.Hour))
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemory_Increment(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Memory, time.Time)
		key     string
		window  time.Duration
		want    int64
		wantTTL time.Duration
	}{
		{
			name:    "first increment creates new entry",
			key:     "c1:/api/orders",
			window:  time.Minute,
			want:    1,
			wantTTL: time.Minute,
		},
		{
			name: "increment existing key keeps its expiry",
			setup: func(m *Memory, now time.Time) {
				m.entries["c1:/api/orders"] = &memoryEntry{count: 5, expiration: now.Add(20 * time.Second)}
			},
			key:     "c1:/api/orders",
			window:  time.Minute,
			want:    6,
			wantTTL: 20 * time.Second,
		},
		{
			name: "increment expired key restarts at one",
			setup: func(m *Memory, now time.Time) {
				m.entries["c1:/api/orders"] = &memoryEntry{count: 10, expiration: now.Add(-time.Second)}
			},
			key:     "c1:/api/orders",
			window:  time.Minute,
			want:    1,
			wantTTL: time.Minute,
		},
		{
			name: "entry expiring exactly now restarts",
			setup: func(m *Memory, now time.Time) {
				m.entries["c1:/api/orders"] = &memoryEntry{count: 3, expiration: now}
			},
			key:     "c1:/api/orders",
			window:  time.Second,
			want:    1,
			wantTTL: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMemory(t, clock)

			if tt.setup != nil {
				tt.setup(m, clock.Now())
			}

			got, ttl, err := m.Increment(context.Background(), tt.key, tt.window)
			if err != nil {
				t.Fatalf("Increment() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Increment() count = %d, want %d", got, tt.want)
			}
			if ttl != tt.wantTTL {
				t.Errorf("Increment() ttl = %s, want %s", ttl, tt.wantTTL)
			}
		})
	}
}

func TestMemory_Increment_WindowIsFixed(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	_, _, _ = m.Increment(ctx, "k", time.Second)
	clock.Advance(600 * time.Millisecond)

	count, ttl, _ := m.Increment(ctx, "k", time.Second)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if ttl != 400*time.Millisecond {
		t.Errorf("ttl = %s, want 400ms (expiry must not be extended)", ttl)
	}

	clock.Advance(400 * time.Millisecond)
	count, ttl, _ = m.Increment(ctx, "k", time.Second)
	if count != 1 || ttl != time.Second {
		t.Errorf("after window: count=%d ttl=%s, want 1 and 1s", count, ttl)
	}
}

func TestMemory_Increment_Concurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	goroutines := 10
	perGoroutine := 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, _, err := m.Increment(ctx, "shared", time.Minute); err != nil {
					t.Errorf("Increment() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, _, err := m.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := int64(goroutines * perGoroutine); got != want {
		t.Errorf("Get() = %d, want %d", got, want)
	}
}

func TestMemory_Increment_ConcurrentDifferentKeys(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	keys := 10
	perKey := 5

	var wg sync.WaitGroup
	wg.Add(keys)
	for i := 0; i < keys; i++ {
		go func(k string) {
			defer wg.Done()
			for j := 0; j < perKey; j++ {
				_, _, _ = m.Increment(ctx, k, time.Minute)
			}
		}(fmt.Sprintf("client-%d:/api", i))
	}
	wg.Wait()

	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("client-%d:/api", i)
		if got, _, _ := m.Get(ctx, key); got != int64(perKey) {
			t.Errorf("Get(%s) = %d, want %d", key, got, perKey)
		}
	}
}

func TestMemory_Get(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Memory, time.Time)
		want    int64
		wantTTL time.Duration
	}{
		{
			name: "missing key returns zeros",
		},
		{
			name: "live key returns count and ttl",
			setup: func(m *Memory, now time.Time) {
				m.entries["k"] = &memoryEntry{count: 42, expiration: now.Add(30 * time.Second)}
			},
			want:    42,
			wantTTL: 30 * time.Second,
		},
		{
			name: "expired key returns zeros",
			setup: func(m *Memory, now time.Time) {
				m.entries["k"] = &memoryEntry{count: 100, expiration: now.Add(-time.Second)}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMemory(t, clock)
			if tt.setup != nil {
				tt.setup(m, clock.Now())
			}

			got, ttl, err := m.Get(context.Background(), "k")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got != tt.want || ttl != tt.wantTTL {
				t.Errorf("Get() = (%d, %s), want (%d, %s)", got, ttl, tt.want, tt.wantTTL)
			}
		})
	}
}

func TestMemory_Get_DoesNotIncrement(t *testing.T) {
	m := newTestMemory(t, newFakeClock())
	ctx := context.Background()

	_, _, _ = m.Increment(ctx, "k", time.Minute)
	for i := 0; i < 3; i++ {
		_, _, _ = m.Get(ctx, "k")
	}
	if got, _, _ := m.Get(ctx, "k"); got != 1 {
		t.Errorf("Get() = %d, want 1", got)
	}
}

func TestMemory_Reset(t *testing.T) {
	m := newTestMemory(t, newFakeClock())
	ctx := context.Background()

	if err := m.Reset(ctx, "missing"); err != nil {
		t.Errorf("Reset() on missing key error = %v", err)
	}

	for i := 0; i < 3; i++ {
		_, _, _ = m.Increment(ctx, "k", time.Minute)
	}
	if err := m.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := m.Reset(ctx, "k"); err != nil {
		t.Errorf("second Reset() error = %v", err)
	}

	if got, ttl, _ := m.Get(ctx, "k"); got != 0 || ttl != 0 {
		t.Errorf("Get() after Reset() = (%d, %s), want zeros", got, ttl)
	}
	if count, _, _ := m.Increment(ctx, "k", time.Minute); count != 1 {
		t.Errorf("Increment() after Reset() = %d, want 1", count)
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestMemory(t, clock)
	ctx := context.Background()

	_, _, _ = m.Increment(ctx, "short", time.Second)
	_, _, _ = m.Increment(ctx, "long", time.Hour)

	clock.Advance(2 * time.Second)

	if n := m.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if n := m.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestMemory_JanitorRemovesWithoutReads(t *testing.T) {
	m := NewMemory(WithCleanupInterval(10 * time.Millisecond))
	defer m.Close()

	_, _, _ = m.Increment(context.Background(), "k", 20*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not remove the expired counter")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory()

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-m.stopCh:
	case <-time.After(100 * time.Millisecond):
		t.Error("Close() did not close stopCh")
	}
}

func BenchmarkMemory_Increment(b *testing.B) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = m.Increment(ctx, "bench:key", time.Minute)
		}
	})
}
