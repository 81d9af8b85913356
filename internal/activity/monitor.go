// Package activity tracks when the user was last active so background work
// can run only during idle windows.
package activity

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Monitor records the last observed user activity. It is safe for concurrent
// use: the request path records activity while the scheduler polls IsIdle.
type Monitor struct {
	clock Clock

	mu           sync.RWMutex
	lastActivity time.Time
	changed      chan struct{}
}

// NewMonitor returns a Monitor that treats construction time as the last
// activity, so a fresh process is not immediately idle.
func NewMonitor() *Monitor {
	return NewMonitorWithClock(realClock{})
}

// NewMonitorWithClock creates a Monitor with a custom clock (for testing).
func NewMonitorWithClock(clock Clock) *Monitor {
	return &Monitor{
		clock:        clock,
		lastActivity: clock.Now(),
		changed:      make(chan struct{}),
	}
}

// RecordActivity resets the idle timer and wakes every goroutine waiting on
// Changed. A running distillation treats the wake-up as a pause signal.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = m.clock.Now()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// IsIdle reports whether at least threshold has elapsed since the last activity.
func (m *Monitor) IsIdle(threshold time.Duration) bool {
	m.mu.RLock()
	last := m.lastActivity
	m.mu.RUnlock()
	return m.clock.Now().Sub(last) >= threshold
}

// LastActivity returns the time of the most recent RecordActivity call.
func (m *Monitor) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// Changed returns a channel that is closed on the next RecordActivity call.
// Callers must fetch a fresh channel after each wake-up.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}
