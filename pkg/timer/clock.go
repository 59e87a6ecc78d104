package timer

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts wall time and deferred execution so tests can drive
// deadlines deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f after d on an arbitrary context and returns a
	// cancel function. Cancel after the fire is a no-op.
	AfterFunc(d time.Duration, f func()) func()
}

// realClock is the production clock backed by the time package.
type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// FakeClock is a manually advanced clock for tests. Callbacks run
// synchronously from Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	waits  map[uint64]*fakeWait
}

type fakeWait struct {
	id  uint64
	at  time.Time
	fn  func()
	seq uint64
}

// NewFake creates a fake clock starting at an arbitrary fixed time.
func NewFake() *FakeClock {
	return &FakeClock{
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		waits: make(map[uint64]*fakeWait),
	}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.waits[id] = &fakeWait{id: id, at: c.now.Add(d), fn: f, seq: id}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.waits, id)
	}
}

// Advance moves the clock forward by d, running every callback whose
// deadline is reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var due *fakeWait
		for _, w := range c.waits {
			if w.at.After(target) {
				continue
			}
			if due == nil || w.at.Before(due.at) || (w.at.Equal(due.at) && w.seq < due.seq) {
				due = w
			}
		}
		if due == nil {
			break
		}
		delete(c.waits, due.id)
		if due.at.After(c.now) {
			c.now = due.at
		}
		fn := due.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// PendingCount reports how many callbacks are armed.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

// NextDeadlines returns the armed deadlines, soonest first. Test helper.
func (c *FakeClock) NextDeadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.waits))
	for _, w := range c.waits {
		out = append(out, w.at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
