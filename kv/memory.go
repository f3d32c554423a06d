package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	locks  map[string]*memoryLock
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		locks: make(map[string]*memoryLock),
	}
}

// Get returns a copy of the value at key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value at key.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.put(key, value)
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.deletePrefix(prefix)
	return nil
}

// List returns the sorted keys starting with prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0)
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply commits txn atomically.
func (m *MemoryStore) Apply(_ context.Context, txn Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, cond := range txn.Conds {
		if _, ok := m.data[cond.Key]; ok != cond.Exists {
			return ErrConditionFailed
		}
	}
	for _, op := range txn.Ops {
		switch op.Type {
		case OpPut:
			m.put(op.Key, op.Value)
		case OpDelete:
			delete(m.data, op.Key)
		case OpDeletePrefix:
			m.deletePrefix(op.Key)
		}
	}
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close marks the store closed and releases all locks.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for name, l := range m.locks {
		l.timer.Stop()
		l.release()
		delete(m.locks, name)
	}
	return nil
}

func (m *MemoryStore) put(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
}

func (m *MemoryStore) deletePrefix(prefix string) {
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
		}
	}
}

// Lock blocks until name is free or its current holder's ttl has passed.
func (m *MemoryStore) Lock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		held, ok := m.locks[name]
		if !ok || held.expired() {
			if ok {
				held.release()
			}
			l := newMemoryLock(m, name, ttl)
			m.locks[name] = l
			m.mu.Unlock()
			return l, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-held.Lost():
		}
	}
}

type memoryLock struct {
	store   *MemoryStore
	name    string
	token   string
	expires time.Time
	timer   *time.Timer
	once    sync.Once
	lost    chan struct{}
}

func newMemoryLock(store *MemoryStore, name string, ttl time.Duration) *memoryLock {
	l := &memoryLock{
		store:   store,
		name:    name,
		token:   uuid.NewString(),
		expires: time.Now().Add(ttl),
		lost:    make(chan struct{}),
	}
	l.timer = time.AfterFunc(ttl, l.release)
	return l
}

func (l *memoryLock) expired() bool {
	return !time.Now().Before(l.expires)
}

// release runs on the timer goroutine too, so it must not touch l.timer.
func (l *memoryLock) release() {
	l.once.Do(func() { close(l.lost) })
}

// Unlock releases the lock if this handle still owns it.
func (l *memoryLock) Unlock(_ context.Context) error {
	l.store.mu.Lock()
	if cur, ok := l.store.locks[l.name]; ok && cur.token == l.token {
		delete(l.store.locks, l.name)
	}
	l.store.mu.Unlock()
	l.timer.Stop()
	l.release()
	return nil
}

func (l *memoryLock) Lost() <-chan struct{} { return l.lost }
