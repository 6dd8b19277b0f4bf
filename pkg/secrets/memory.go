package secrets

import "sync"

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (m *MemoryStore) GetString(service, account string) (string, error) {
	data, err := m.GetData(service, account)
	return string(data), err
}

func (m *MemoryStore) SetString(service, account, value string) error {
	return m.SetData(service, account, []byte(value))
}

func (m *MemoryStore) GetData(service, account string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.entries[slotKey(service, account)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) SetData(service, account string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[slotKey(service, account)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, slotKey(service, account))
	return nil
}
