package localstore

import "sync"

// MemoryRepository keeps records in process memory. Transactions are applied
// to a staged copy and swapped in only when fn succeeds.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string][]byte)}
}

func (m *MemoryRepository) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[name]
	if !ok {
		return nil, ErrNoRecord
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryRepository) Update(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string][]byte, len(m.records))
	for k, v := range m.records {
		staged[k] = v
	}
	if err := fn(memoryTx(staged)); err != nil {
		return err
	}
	m.records = staged
	return nil
}

func (m *MemoryRepository) Close() error { return nil }

type memoryTx map[string][]byte

func (t memoryTx) Get(name string) ([]byte, error) {
	v, ok := t[name]
	if !ok {
		return nil, ErrNoRecord
	}
	return append([]byte(nil), v...), nil
}

func (t memoryTx) Put(name string, value []byte) error {
	t[name] = append([]byte(nil), value...)
	return nil
}

func (t memoryTx) Delete(name string) error {
	delete(t, name)
	return nil
}
