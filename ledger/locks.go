package ledger

import "sync"

// keyedMutex hands out one mutex per symbol. Locks are never removed;
// the set of traded symbols is small and bounded by the signal source.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// LockSymbol takes the per-symbol write lock and returns its unlock
// func. The execution engine holds it across validate-submit-confirm;
// the reconciler takes the same lock before repairing a position, so
// the two can never race a write to the same symbol.
func (s *Store) LockSymbol(symbol string) (unlock func()) {
	m := s.locks.get(symbol)
	m.Lock()
	return m.Unlock
}
