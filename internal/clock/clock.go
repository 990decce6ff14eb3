// Package clock provides the wall-clock abstraction used by the codec and the
// session pool. Production code uses System; tests drive a Manual clock so
// that expiry-year inference and daily resets are deterministic.
package clock

import (
	"sync"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock, reported in UTC.
type System struct{}

// Now returns time.Now() in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// Manual is a settable clock for tests. The zero value reports the zero time.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the clock's current instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new instant.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Today returns the calendar date of t in loc (nil means UTC).
func Today(t time.Time, loc *time.Location) (year int, month time.Month, day int) {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Date()
}

// InWindow reports whether t (in UTC) falls inside [startHour:00, startHour:00+length).
// Windows that cross midnight are supported.
func InWindow(t time.Time, startHour int, length time.Duration) bool {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), startHour, 0, 0, 0, time.UTC)
	if u.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return u.Sub(start) < length
}
