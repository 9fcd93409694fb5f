package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is a bounded in-process cache backed by an LRU. Expiry is checked
// lazily on read; the LRU bound keeps memory flat without a sweeper.
type Memory struct {
	mu  sync.Mutex
	lru *lru.Cache[string, memoryEntry]
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates a memory cache holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	l, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: l, now: time.Now}, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if entry.expired(m.now()) {
		m.lru.Remove(key)
		return nil, ErrMiss
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.lru.Add(key, entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	m.lru.Remove(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var count int64
	if entry, ok := m.lru.Get(key); ok && !entry.expired(now) {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err == nil {
			count = parsed
		}
		count++
		entry.value = []byte(strconv.FormatInt(count, 10))
		m.lru.Add(key, entry)
		return count, nil
	}

	count = 1
	entry := memoryEntry{value: []byte("1")}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.lru.Add(key, entry)
	return count, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.lru.Purge()
	m.mu.Unlock()
	return nil
}
