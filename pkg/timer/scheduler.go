// Package timer provides a small per-call scheduler so timers (dead-air,
// watchdogs, grace windows) are owned explicitly instead of living as
// ambient side effects. Tests drive it with a mock clock to advance
// virtual time deterministically.
package timer

import (
	"sync"

	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler owns a set of named one-shot timers for a single call.
// Arming a name that is already armed replaces the previous timer. All
// methods are safe for concurrent use.
type Scheduler struct {
	clk clock.Clock

	mu      sync.Mutex
	timers  map[string]*clock.Timer
	stopped bool
}

// New creates a scheduler on the given clock.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{clk: clk, timers: make(map[string]*clock.Timer)}
}

// Arm schedules fn to run after d, replacing any timer with the same name.
// Arming after StopAll is a no-op, so a teardown never resurrects timers.
func (s *Scheduler) Arm(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	var t *clock.Timer
	t = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		// Only clear the entry if it still refers to this timer; a re-arm
		// racing the firing must not lose the newer timer.
		if cur, ok := s.timers[name]; ok && cur == t {
			delete(s.timers, name)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.timers[name] = t
}

// Cancel stops the named timer if armed.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// Armed reports whether the named timer is pending.
func (s *Scheduler) Armed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// StopAll cancels every pending timer and rejects future arms. Called on
// call teardown so no timer fires after the call is gone.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}
