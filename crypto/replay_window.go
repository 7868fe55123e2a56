package crypto

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultWindowSize is the number of most-recent nonces a window retains.
const DefaultWindowSize = 4096

// NonceWindow is a bounded set of recently seen record nonces used for
// replay suppression. Once the window is full the oldest entry falls off;
// a sender replaying a nonce older than the window will be accepted, which
// the 96-bit random-nonce birthday bound makes irrelevant for realistic
// message volumes.
//
// The window is safe for concurrent use.
type NonceWindow struct {
	mu    sync.Mutex
	seen  map[Nonce]struct{}
	order []Nonce
	head  int
	limit int
}

// NewNonceWindow creates a window retaining the given number of nonces.
// A non-positive limit falls back to DefaultWindowSize.
func NewNonceWindow(limit int) *NonceWindow {
	if limit <= 0 {
		limit = DefaultWindowSize
	}
	return &NonceWindow{
		seen:  make(map[Nonce]struct{}, limit),
		order: make([]Nonce, 0, limit),
		limit: limit,
	}
}

// CheckAndStore reports whether the nonce is fresh, storing it if so.
// Returns false when the nonce was already present (a replay).
func (w *NonceWindow) CheckAndStore(nonce Nonce) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[nonce]; dup {
		logrus.WithFields(logrus.Fields{
			"function": "CheckAndStore",
			"package":  "crypto",
			"nonce":    nonce[:4],
		}).Debug("Replay detected: nonce already in window")
		return false
	}

	if len(w.order) < w.limit {
		w.order = append(w.order, nonce)
	} else {
		// Evict the oldest entry in ring order.
		delete(w.seen, w.order[w.head])
		w.order[w.head] = nonce
		w.head = (w.head + 1) % w.limit
	}
	w.seen[nonce] = struct{}{}

	return true
}

// Contains reports whether the nonce is currently in the window.
func (w *NonceWindow) Contains(nonce Nonce) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[nonce]
	return ok
}

// Len returns the number of nonces currently retained.
func (w *NonceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
