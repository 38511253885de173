// Package clock abstracts the single-shot timers the scheduler re-arms per
// occurrence, so timer-driven behavior can be tested on a manual timeline.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is an armed single-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether it stopped the
	// timer before it fired.
	Stop() bool
}

// Source provides the current time and single-shot timers.
type Source interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realSource struct{}

// Real returns a Source backed by the wall clock.
func Real() Source {
	return realSource{}
}

func (realSource) Now() time.Time {
	return time.Now()
}

func (realSource) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Source whose time only moves when Advance or Set is called.
// Due timers fire synchronously, in deadline order, on the advancing
// goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	source   *Manual
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		source:   m,
		deadline: m.now.Add(d),
		f:        f,
	}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.source.mu.Lock()
	defer t.source.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, firing every due timer.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to target, firing every due timer. Timers armed by
// firing callbacks are honored within the same call when they fall before
// target.
func (m *Manual) Set(target time.Time) {
	for {
		m.mu.Lock()
		var next *manualTimer
		for _, t := range m.timers {
			if t.stopped || t.fired || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			if target.After(m.now) {
				m.now = target
			}
			m.compact()
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		f := next.f
		m.mu.Unlock()
		f()
	}
}

// compact drops spent timers; callers hold mu.
func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.Slice(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
}
