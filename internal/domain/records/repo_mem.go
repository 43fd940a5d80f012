package records

import (
	"context"
	"sync"
)

type memKey struct {
	kind Kind
	id   string
}

type memStore struct {
	mu   sync.RWMutex
	docs map[memKey][]byte
}

// NewMemoryRepo returns a process-local document store. It is used by tests
// and by STORE_DRIVER=memory.
func NewMemoryRepo() Repository {
	return &docRepo{store: &memStore{docs: make(map[memKey][]byte)}}
}

func (m *memStore) get(_ context.Context, kind Kind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.docs[memKey{kind, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (m *memStore) put(_ context.Context, kind Kind, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[memKey{kind, id}] = append([]byte(nil), doc...)
	return nil
}

func (m *memStore) remove(_ context.Context, kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, memKey{kind, id})
	return nil
}

func (m *memStore) list(_ context.Context, kind Kind) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][]byte
	for k, raw := range m.docs {
		if k.kind == kind {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (m *memStore) ping(context.Context) error { return nil }
