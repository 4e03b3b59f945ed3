package session

import "sync"

// KeyedMutex serializes critical sections per string key. Entries are
// reference counted and dropped as soon as the last holder or waiter
// releases them, so the table stays proportional to the keys currently in
// use rather than every key ever locked. The zero value is ready to use.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key, blocking while another goroutine holds
// it.
func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*lockEntry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &lockEntry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()
	e.mu.Lock()
}

// Unlock releases the mutex for key. The table entry is removed once no
// holder or waiter remains.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("session: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	e.mu.Unlock()
}
