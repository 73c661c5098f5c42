package workerdev

import "sync"

// BundleStore holds the bundle currently considered live.
type BundleStore struct {
	mu      sync.RWMutex
	current *Bundle
}

// NewBundleStore returns an empty store.
func NewBundleStore() *BundleStore {
	return &BundleStore{}
}

// Current returns a copy of the live bundle.
func (s *BundleStore) Current() (Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Bundle{}, false
	}
	return *s.current, true
}

// Init stores the first bundle of a session. Its ID is kept as given.
func (s *BundleStore) Init(b Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &b
}

// Advance replaces the live bundle with next and gives it the previous ID
// plus one. Advancing an empty store is a programming error and panics.
func (s *BundleStore) Advance(next Bundle) Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		panic("workerdev: bundle advanced before the initial build completed")
	}
	next.ID = s.current.ID + 1
	s.current = &next
	return next
}

// Bump advances the version without changing anything else.
func (s *BundleStore) Bump() Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		panic("workerdev: bundle bumped before the initial build completed")
	}
	next := *s.current
	next.ID++
	s.current = &next
	return next
}
