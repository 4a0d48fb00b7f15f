// Package clock provides a small time capability so components that reason
// about elapsed time (rate limiter, cache, event store) can be driven by a
// fake clock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time lookups.
type Clock interface {
	Now() time.Time
	NowMillis() int64
	HoursAgo(hours int) time.Time
}

// System is the real clock backed by the time package.
type System struct{}

// NewSystem returns the process wall clock.
func NewSystem() *System {
	return &System{}
}

func (s *System) Now() time.Time {
	return time.Now().UTC()
}

func (s *System) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (s *System) HoursAgo(hours int) time.Time {
	return time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowMillis() int64 {
	return f.Now().UnixMilli()
}

func (f *Fake) HoursAgo(hours int) time.Time {
	return f.Now().Add(-time.Duration(hours) * time.Hour)
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to an exact instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
