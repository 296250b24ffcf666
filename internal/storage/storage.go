// Package storage provides the ephemeral client-side key-value store used
// for per-session idempotency keys and per-document crop overrides. The
// store is a capability passed explicitly to the components that need it;
// nothing in this module reaches for ambient storage.
//
// Losing the store (or swapping in NoopStore) degrades behaviour, not
// correctness: repeated render requests may trigger duplicate server-side
// work.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is the minimal key-value capability required by the session
// resolver and the render coordinator. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// MemoryStore is an in-process Store. Values live for the lifetime of the
// process and are lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// NoopStore discards writes and never finds keys. It is the degraded-mode
// fallback when no durable location is available.
type NoopStore struct{}

func (NoopStore) Get(string) (string, error) { return "", ErrNotFound }
func (NoopStore) Set(string, string) error   { return nil }
func (NoopStore) Delete(string) error        { return nil }

// FileStore persists each key as a small file under a root directory,
// typically inside the user cache dir. Keys are sanitized so that tokens
// and document IDs cannot escape the root.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates (if needed) the root directory and returns a
// FileStore over it.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

// DefaultFileStore returns a FileStore rooted at the docviewer subdirectory
// of the user cache dir.
func DefaultFileStore() (*FileStore, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	return NewFileStore(filepath.Join(cache, "docviewer"))
}

func (f *FileStore) path(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "-", "..", "_")
	return filepath.Join(f.root, r.Replace(key))
}

func (f *FileStore) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return os.WriteFile(f.path(key), []byte(value), 0o600)
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
