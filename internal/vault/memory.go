package vault

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"zbackup/internal/backup"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It keeps every stream in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name    string
	streams map[string][]byte // key -> stream
	mu      sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:    name,
		streams: make(map[string][]byte),
	}
}

// PutStream stores the stream read from r under key, replacing any previous stream.
func (m *MemoryVault) PutStream(key string, r io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.streams[key] = data
	return int64(len(data)), nil
}

// GetStream writes the stream stored under key to w.
func (m *MemoryVault) GetStream(key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.streams[key]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("stream not found: %s", key)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write stream: %w", err)
	}

	return nil
}

// Keys returns the stored keys with the given prefix, sorted.
func (m *MemoryVault) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.streams {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

func (m *MemoryVault) String() string {
	return "memory:" + m.name
}

// checkKey rejects keys that would escape the vault namespace.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty stream key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("stream key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid stream key %q", key)
		}
	}
	return nil
}

// Compile-time check that MemoryVault implements backup.Vault interface
var _ backup.Vault = (*MemoryVault)(nil)
