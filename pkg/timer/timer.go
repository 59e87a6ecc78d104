// Package timer provides named, cancelable, single-shot deadlines for a
// provisioning session. Firing never calls protocol state directly: the
// scheduler invokes a single fire callback, which is expected to post a
// message into the session's event queue.
package timer

import (
	"sync"
	"time"
)

// FireFunc receives the name of an expired timer.
type FireFunc func(name string)

// Scheduler manages single-shot named deadlines. Scheduling a name that is
// already pending replaces the previous deadline. Cancel is synchronous and
// idempotent: a timer that fires after cancellation silently no-ops.
type Scheduler struct {
	clock Clock
	fire  FireFunc

	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
}

type entry struct {
	gen      uint64
	deadline time.Time
	cancel   func()
}

// New creates a scheduler that calls fire for every expired timer.
func New(clock Clock, fire FireFunc) *Scheduler {
	return &Scheduler{
		clock:   clock,
		fire:    fire,
		pending: make(map[string]*entry),
	}
}

// Schedule arms the named timer to fire after d. An already-pending timer
// with the same name is replaced.
func (s *Scheduler) Schedule(name string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	var gen uint64
	if old, ok := s.pending[name]; ok {
		old.cancel()
		gen = old.gen + 1
	}
	e := &entry{gen: gen, deadline: s.clock.Now().Add(d)}
	e.cancel = s.clock.AfterFunc(d, func() { s.expired(name, gen) })
	s.pending[name] = e
}

// ScheduleSecs arms the named timer using a protocol lifetime in seconds.
func (s *Scheduler) ScheduleSecs(name string, secs uint32) {
	s.Schedule(name, time.Duration(secs)*time.Second)
}

// expired runs on the clock's firing context. The generation check makes a
// fire that raced with Cancel or a re-Schedule a no-op.
func (s *Scheduler) expired(name string, gen uint64) {
	s.mu.Lock()
	e, ok := s.pending[name]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, name)
	s.mu.Unlock()

	s.fire(name)
}

// Cancel disarms the named timer if pending.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[name]; ok {
		e.cancel()
		delete(s.pending, name)
	}
}

// Pending reports whether the named timer is armed.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[name]
	return ok
}

// Deadline returns the absolute deadline of a pending timer and whether it
// is armed at all.
func (s *Scheduler) Deadline(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[name]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// CancelAll disarms every pending timer. The scheduler stays usable.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.pending {
		e.cancel()
		delete(s.pending, name)
	}
}

// Stop cancels every pending timer and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, e := range s.pending {
		e.cancel()
		delete(s.pending, name)
	}
}
