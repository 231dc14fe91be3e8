// Package debounce coalesces bursts of calls into one trailing invocation
// per key.
package debounce

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// Scheduler is a keyed trailing-edge debouncer. Each key holds at most one
// armed timer; re-arming a key cancels the previous timer. Keys are
// independent of each other.
type Scheduler struct {
	clock     clock.Clock
	coalesced func(key string)

	mu      sync.Mutex
	pending map[string]*entry
	seq     uint64
	stopped bool
}

type entry struct {
	token uint64
	timer *clock.Timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source. Tests pass clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithCoalesceHook registers fn to be called whenever a pending timer is
// replaced by a newer Schedule call for the same key.
func WithCoalesceHook(fn func(key string)) Option {
	return func(s *Scheduler) { s.coalesced = fn }
}

// New creates a Scheduler backed by the wall clock unless WithClock is given.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock.New(),
		pending: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms a timer under key that runs fn once delay has elapsed with
// no further Schedule call for the same key. A pending timer for key is
// cancelled first, so only the fn of the last call in a burst ever runs.
// After Stop, Schedule does nothing.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	prev, superseded := s.pending[key]
	if superseded {
		prev.timer.Stop()
	}

	s.seq++
	e := &entry{token: s.seq}
	token := e.token
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(key, token, fn) })
	s.pending[key] = e
	s.mu.Unlock()

	// The hook may call back into the scheduler.
	if superseded && s.coalesced != nil {
		s.coalesced(key)
	}
}

// Cancel discards the pending timer for key, if any, without running it.
// It reports whether a timer was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending reports whether key has an armed timer.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop cancels every pending timer and disables the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
}

// fire runs fn only if the timer identified by token is still the one armed
// under key. A timer whose Stop lost the race with expiry lands here with a
// stale token and is dropped.
func (s *Scheduler) fire(key string, token uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || e.token != token || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	fn()
}
