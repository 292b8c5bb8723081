package tokenstore

import "sync"

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rec  *record
	opts options
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: newOptions(opts)}
}

func (m *MemoryStore) Get(kind Kind) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.get(kind, m.opts.now())
}

func (m *MemoryStore) Set(s Session, rememberMe bool) error {
	rec, err := newRecord(s, rememberMe, m.opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return Session{}, false
	}
	return m.rec.session(m.opts.now())
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.rec = nil
	m.mu.Unlock()
	return nil
}
