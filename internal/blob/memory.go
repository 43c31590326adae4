package blob

import (
	"context"
	"sync"

	"docmigrate/internal/migrate"
)

// MemoryStore is an in-memory implementation of the BlobStore interface,
// useful for testing and dry-run style verification.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	objects map[string][]byte
	names   map[string]string // key -> original file name
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		names:   make(map[string]string),
	}
}

// Put stores content under key and returns a memory:// URL.
func (m *MemoryStore) Put(_ context.Context, key string, content []byte, fileName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: storing the same key multiple times is safe
	data := make([]byte, len(content))
	copy(data, content)
	m.objects[key] = data
	m.names[key] = fileName
	return "memory://" + key, nil
}

// Exists reports whether an object is present under key.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Validate always succeeds for the in-memory store.
func (m *MemoryStore) Validate(_ context.Context) error {
	return nil
}

// Get returns the stored content for key, or nil when absent.
func (m *MemoryStore) Get(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key]
}

// FileName returns the original file name stored with key.
func (m *MemoryStore) FileName(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.names[key]
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Compile-time check that MemoryStore implements the BlobStore interface
var _ migrate.BlobStore = (*MemoryStore)(nil)
