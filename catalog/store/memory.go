package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCleanupInterval = time.Minute

type memoryEntry struct {
	val      []byte
	storedAt time.Time
	ttl      time.Duration
}

// expired reports whether the entry is past its TTL. An entry is still valid
// at exactly storedAt+ttl.
func (e *memoryEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// Memory is an in-process implementation of Store.
// Expired entries are dropped lazily on Get and by a periodic sweep, so memory
// stays bounded even when keys are never read twice.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]*memoryEntry
	now      func() time.Time
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithCleanupInterval sets how often the sweeper scans for expired entries (default: 1 minute).
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemory creates an in-process store and starts its sweeper.
// Call Close to stop the sweeper.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:  make(map[string]*memoryEntry),
		now:      time.Now,
		interval: defaultCleanupInterval,
		logger:   zap.NewNop(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if entry.expired(m.now()) {
		m.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have replaced it.
		if cur, ok := m.entries[key]; ok && cur.expired(m.now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	return entry.val, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &memoryEntry{
		val:      val,
		storedAt: m.now(),
		ttl:      ttl,
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*memoryEntry)
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return Stats{Size: len(keys), Keys: keys}, nil
}

// Close stops the sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.now()
	var expiredKeys []string

	m.mu.RLock()
	for key, entry := range m.entries {
		if entry.expired(now) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	m.mu.RUnlock()

	if len(expiredKeys) == 0 {
		return 0
	}

	removed := 0
	m.mu.Lock()
	for _, key := range expiredKeys {
		if entry, ok := m.entries[key]; ok && entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("swept expired catalog entries", zap.Int("removed", n))
			}
		case <-m.stopCh:
			return
		}
	}
}
