package cache

import (
	"context"
	"sync"
	"time"

	"github.com/waghostel/medregagent/pkg/logging"
)

const defaultCleanupInterval = 5 * time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process cache with per-entry TTLs. A janitor goroutine
// collects expired entries; reads treat them as misses either way.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *logging.Logger
}

// NewMemory creates a memory cache and starts its janitor. Call Stop when
// the cache is no longer needed.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	m := &Memory{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
		logger:  logging.GetLogger(),
	}
	go m.janitor(cleanupInterval)
	return m
}

// Get returns the value stored under key, or a miss when the key is absent
// or expired
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}

	// Callers get their own copy so they cannot corrupt the stored value
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set stores value under key. A non-positive ttl stores the entry without
// an expiry.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Delete removes the entry under key. Deleting an absent key is not an
// error.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including any expired entries
// the janitor has not collected yet
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stop terminates the janitor. The cache remains usable afterwards but no
// longer collects expired entries.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := m.collectExpired(); removed > 0 {
				m.logger.Debug("Collected expired cache entries", "removed", removed)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) collectExpired() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

var _ Cache = (*Memory)(nil)
