package keystore

import "sync"

// Guarded serializes access to one KeyStore.
type Guarded struct {
	mu    sync.Mutex
	store *KeyStore
}

// NewGuarded wraps s so every Do call holds one mutex.
func NewGuarded(s *KeyStore) *Guarded {
	return &Guarded{store: s}
}

// Do runs fn while holding the store lock.
func (g *Guarded) Do(fn func(s *KeyStore) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.store)
}
