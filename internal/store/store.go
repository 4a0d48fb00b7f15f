// Package store implements the bounded per-system killmail event store.
// Each system owns a FIFO ring of (killmail_id, received_at) pairs capped
// at a configurable size; a periodic GC reclaims rings that have seen no
// appends recently.
package store

import (
	"log/slog"
	"sync"
	"time"

	"wanderer-kills/pkg/clock"
)

// Event is one stored killmail observation.
type Event struct {
	KillmailID int64
	ReceivedAt time.Time
}

type ring struct {
	events     []Event // newest first
	lastAppend time.Time
}

// EventStore holds the per-system rings.
type EventStore struct {
	mu        sync.RWMutex
	systems   map[int64]*ring
	appended  int64 // lifetime appends, survives ring eviction and GC
	maxEvents int
	idleAfter time.Duration
	clk       clock.Clock
}

// New creates an event store. maxEvents bounds each system's ring;
// idleAfter is how long a system may go without appends before GC
// reclaims it.
func New(clk clock.Clock, maxEvents int, idleAfter time.Duration) *EventStore {
	return &EventStore{
		systems:   make(map[int64]*ring),
		maxEvents: maxEvents,
		idleAfter: idleAfter,
		clk:       clk,
	}
}

// Append records a killmail for a system, evicting the oldest entry when
// the ring is full.
func (s *EventStore) Append(systemID, killmailID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.systems[systemID]
	if !ok {
		r = &ring{}
		s.systems[systemID] = r
	}

	now := s.clk.Now()
	r.lastAppend = now
	s.appended++

	next := make([]Event, 0, len(r.events)+1)
	next = append(next, Event{KillmailID: killmailID, ReceivedAt: now})
	next = append(next, r.events...)
	if len(next) > s.maxEvents {
		next = next[:s.maxEvents]
	}
	r.events = next
}

// List returns up to limit killmail ids for a system, newest first.
// limit <= 0 returns the whole ring.
func (s *EventStore) List(systemID int64, limit int) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.systems[systemID]
	if !ok {
		return nil
	}
	n := len(r.events)
	if limit > 0 && limit < n {
		n = limit
	}
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = r.events[i].KillmailID
	}
	return ids
}

// ListSince returns killmail ids received at or after cutoff, newest
// first, capped at limit.
func (s *EventStore) ListSince(systemID int64, cutoff time.Time, limit int) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.systems[systemID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(r.events))
	for _, e := range r.events {
		if e.ReceivedAt.Before(cutoff) {
			break
		}
		ids = append(ids, e.KillmailID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}

// Has reports whether the system's ring currently holds killmailID.
func (s *EventStore) Has(systemID, killmailID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.systems[systemID]
	if !ok {
		return false
	}
	for _, e := range r.events {
		if e.KillmailID == killmailID {
			return true
		}
	}
	return false
}

// Count returns how many events a system currently holds.
func (s *EventStore) Count(systemID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.systems[systemID]; ok {
		return len(r.events)
	}
	return 0
}

// SystemCount returns how many systems have live rings.
func (s *EventStore) SystemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.systems)
}

// TotalAppended returns the lifetime number of appends across all
// systems, regardless of eviction.
func (s *EventStore) TotalAppended() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appended
}

// GC reclaims rings with no appends within the idle window. Returns the
// number of systems removed.
func (s *EventStore) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().Add(-s.idleAfter)
	removed := 0
	for systemID, r := range s.systems {
		if r.lastAppend.Before(cutoff) {
			delete(s.systems, systemID)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Event store GC completed", "systems_removed", removed)
	}
	return removed
}
