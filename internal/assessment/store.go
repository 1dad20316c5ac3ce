package assessment

import "sync"

// StorageKey is the fixed key the session is persisted under.
const StorageKey = "ai_assessment_session"

// Store is the durable client-side persistence port. Only Session writes to it.
// Load returns nil data and a nil error when nothing is stored.
type Store interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Clear() error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryStore) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
