package engine

import (
	"sync"
	"time"
)

// dedupWindow tracks in-flight signal keys with a bounded TTL. A key is
// reserved when its signal starts executing and released when the order
// record reaches a terminal state; the TTL only guards against leaks if
// a flow dies without releasing.
type dedupWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	return &dedupWindow{ttl: ttl, expires: make(map[string]time.Time)}
}

// reserve claims key. It returns false if the key is already held and
// not yet expired.
func (w *dedupWindow) reserve(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for k, exp := range w.expires {
		if now.After(exp) {
			delete(w.expires, k)
		}
	}

	if _, held := w.expires[key]; held {
		return false
	}
	w.expires[key] = now.Add(w.ttl)
	return true
}

// release frees key so a later identical signal is treated as new.
func (w *dedupWindow) release(key string) {
	w.mu.Lock()
	delete(w.expires, key)
	w.mu.Unlock()
}
