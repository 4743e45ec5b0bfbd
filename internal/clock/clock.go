// Package clock provides an injectable time source so that congestion
// control and watchdog timers can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source every component that needs wall-clock or
// monotonic time depends on, instead of calling time.Now directly.
type Clock interface {
	// Now returns the current monotonic time in microseconds, matching the
	// uTP wire format's tx_timestamp field.
	Now() uint32

	// After returns a channel that fires after d, mirroring time.After.
	After(d time.Duration) <-chan time.Time

	// NewTimer mirrors time.NewTimer so callers can Stop/Reset it.
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer that components use.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// System is the production Clock backed by the real wall clock.
type System struct {
	start time.Time
}

// NewSystem returns a Clock anchored to the moment it is constructed, so
// Now() counts microseconds since construction; the 32-bit value wraps
// around roughly every 71.6 minutes.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) Now() uint32 {
	return uint32(time.Since(s.start).Microseconds())
}

func (s *System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (s *System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct{ t *time.Timer }

func (t *systemTimer) C() <-chan time.Time      { return t.t.C }
func (t *systemTimer) Stop() bool                { return t.t.Stop() }
func (t *systemTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }

// Manual is a Clock a test advances explicitly. All methods are safe for
// concurrent use.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	timers  []*manualTimer
}

// NewManual returns a Manual clock starting at t=0.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Now() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.now.Microseconds())
}

// Advance moves the clock forward by d, firing any timers whose deadline
// has passed, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	now := m.now
	var fire []*manualTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if t.deadline <= now {
			fire = append(fire, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()
	sort.SliceStable(fire, func(i, j int) bool { return fire[i].deadline < fire[j].deadline })

	for _, t := range fire {
		select {
		case t.ch <- time.Time{}:
		default:
		}
	}
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	t := m.NewTimer(d)
	return t.C()
}

func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{clock: m, ch: make(chan time.Time, 1), deadline: m.now + d}
	m.timers = append(m.timers, t)
	return t
}

type manualTimer struct {
	clock    *Manual
	ch       chan time.Time
	deadline time.Duration
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *manualTimer) Reset(d time.Duration) bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	existed := false
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			existed = true
			break
		}
	}
	t.deadline = c.now + d
	c.timers = append(c.timers, t)
	return existed
}
