package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryFunc performs one transmission attempt.
type RetryFunc func(attempt int) error

// GiveUpFunc is invoked once when all attempts are exhausted.
type GiveUpFunc func()

// Retrier schedules retransmissions with exponential backoff. Handshake
// packets and unacknowledged messages both ride on it; the owner decides
// what giving up means (closing a handshake, suspending a session).
type Retrier struct {
	mu      sync.Mutex
	timers  map[string]*retryState
	maxTry  int
	initial time.Duration
}

type retryState struct {
	timer   *time.Timer
	attempt int
	stopped bool
}

// NewRetrier creates a retrier performing maxTry attempts after the first
// transmission, starting at the initial interval and doubling each time.
func NewRetrier(initial time.Duration, maxTry int) *Retrier {
	return &Retrier{
		timers:  make(map[string]*retryState),
		maxTry:  maxTry,
		initial: initial,
	}
}

// Schedule arms retransmissions under the given key. Each firing calls fn
// with the attempt number (1-based); when attempts are exhausted giveUp
// runs instead. A Schedule for an existing key replaces it.
func (r *Retrier) Schedule(key string, fn RetryFunc, giveUp GiveUpFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.timers[key]; ok {
		prev.stopped = true
		prev.timer.Stop()
	}

	state := &retryState{}
	r.timers[key] = state
	r.arm(key, state, fn, giveUp)
}

// arm sets the timer for the next attempt. Caller holds r.mu.
func (r *Retrier) arm(key string, state *retryState, fn RetryFunc, giveUp GiveUpFunc) {
	delay := r.initial << uint(state.attempt)

	state.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if state.stopped {
			r.mu.Unlock()
			return
		}
		state.attempt++
		attempt := state.attempt

		if attempt > r.maxTry {
			delete(r.timers, key)
			r.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "Retrier",
				"key":      key,
				"attempts": r.maxTry,
			}).Debug("Retry attempts exhausted")

			if giveUp != nil {
				giveUp()
			}
			return
		}

		r.arm(key, state, fn, giveUp)
		r.mu.Unlock()

		if err := fn(attempt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Retrier",
				"key":      key,
				"attempt":  attempt,
				"error":    err.Error(),
			}).Debug("Retry attempt failed to send")
		}
	})
}

// Cancel stops retransmissions for the key. Safe to call for unknown keys.
func (r *Retrier) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.timers[key]; ok {
		state.stopped = true
		state.timer.Stop()
		delete(r.timers, key)
	}
}

// CancelAll stops every scheduled retransmission.
func (r *Retrier) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, state := range r.timers {
		state.stopped = true
		state.timer.Stop()
		delete(r.timers, key)
	}
}

// Pending returns the number of keys with armed timers.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
