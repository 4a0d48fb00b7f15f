package subscription

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/clock"
)

// ManagerOptions configures the manager.
type ManagerOptions struct {
	// WorkerQueueSize bounds each subscription's inbox.
	WorkerQueueSize int
}

// Manager owns the subscription registry, the system and character
// indices, and one worker per subscription. It implements killmail.Sink:
// the pipeline hands it every finished killmail and it fans out to
// whoever matches.
type Manager struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	workers map[string]*worker

	systems    *Index
	characters *Index
	clk        clock.Clock
	queueSize  int

	matched   atomic.Int64
	unmatched atomic.Int64
}

// NewManager creates an empty manager.
func NewManager(clk clock.Clock, opts ManagerOptions) *Manager {
	return &Manager{
		subs:       make(map[string]*Subscription),
		workers:    make(map[string]*worker),
		systems:    NewIndex(),
		characters: NewIndex(),
		clk:        clk,
		queueSize:  opts.WorkerQueueSize,
	}
}

// Subscribe registers a subscription and starts its worker. The returned
// copy carries the generated id.
func (m *Manager) Subscribe(sub Subscription, deliver DeliverFunc) (*Subscription, error) {
	if len(sub.SystemIDs) == 0 && len(sub.CharacterIDs) == 0 {
		return nil, apperr.New(apperr.DomainValidation, "empty_filter",
			"subscription needs at least one system or character id", false)
	}
	for _, id := range sub.SystemIDs {
		if !killmail.ValidSystemID(id) {
			return nil, apperr.New(apperr.DomainValidation, "invalid_system",
				fmt.Sprintf("system id %d out of range", id), false)
		}
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := m.clk.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return nil, apperr.New(apperr.DomainValidation, "duplicate_subscription",
			fmt.Sprintf("subscription %s already exists", sub.ID), false)
	}

	stored := sub.clone()
	m.subs[sub.ID] = stored
	m.workers[sub.ID] = newWorker(stored, deliver, m.queueSize, m.clk)
	m.systems.Set(sub.ID, sub.SystemIDs)
	m.characters.Set(sub.ID, sub.CharacterIDs)

	slog.Info("Subscription created", "subscription_id", sub.ID,
		"systems", len(sub.SystemIDs), "characters", len(sub.CharacterIDs))
	return stored.clone(), nil
}

// Update replaces a subscription's filters.
func (m *Manager) Update(id string, systemIDs, characterIDs []int64) (*Subscription, error) {
	if len(systemIDs) == 0 && len(characterIDs) == 0 {
		return nil, apperr.New(apperr.DomainValidation, "empty_filter",
			"subscription needs at least one system or character id", false)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, apperr.New(apperr.DomainValidation, "unknown_subscription",
			fmt.Sprintf("subscription %s not found", id), false)
	}

	sub.SystemIDs = append([]int64(nil), systemIDs...)
	sub.CharacterIDs = append([]int64(nil), characterIDs...)
	sub.UpdatedAt = m.clk.Now()
	m.systems.Set(id, systemIDs)
	m.characters.Set(id, characterIDs)

	slog.Info("Subscription updated", "subscription_id", id,
		"systems", len(systemIDs), "characters", len(characterIDs))
	return sub.clone(), nil
}

// Unsubscribe removes a subscription and stops its worker.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	w, ok := m.workers[id]
	delete(m.subs, id)
	delete(m.workers, id)
	m.systems.Remove(id)
	m.characters.Remove(id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	w.stop()
	slog.Info("Subscription removed", "subscription_id", id)
	return true
}

// Get returns a copy of a subscription.
func (m *Manager) Get(id string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return sub.clone(), true
}

// List returns copies of every subscription.
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.clone())
	}
	return out
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Deliver implements killmail.Sink. Matching goes through the indices,
// never a full scan: system hits and participant character hits are
// unioned per killmail, then each matched worker gets one batch.
func (m *Manager) Deliver(kms []*killmail.Killmail) {
	if len(kms) == 0 {
		return
	}

	perSub := make(map[string][]*killmail.Killmail)
	for _, km := range kms {
		matched := false
		for _, subID := range m.systems.Lookup(km.SystemID) {
			perSub[subID] = append(perSub[subID], km)
			matched = true
		}
		for _, subID := range m.characters.LookupAny(km.CharacterIDs()) {
			if containsKm(perSub[subID], km) {
				continue
			}
			perSub[subID] = append(perSub[subID], km)
			matched = true
		}
		if matched {
			m.matched.Add(1)
		} else {
			m.unmatched.Add(1)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for subID, batch := range perSub {
		if w, ok := m.workers[subID]; ok {
			w.enqueue(batch)
		}
	}
}

func containsKm(kms []*killmail.Killmail, km *killmail.Killmail) bool {
	for _, existing := range kms {
		if existing.KillmailID == km.KillmailID {
			return true
		}
	}
	return false
}

// Sweep drops index entries for subscriptions that no longer exist or
// whose worker died. Called by the maintenance scheduler.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var deadIDs []string
	for id, w := range m.workers {
		if !w.alive() {
			deadIDs = append(deadIDs, id)
		}
	}
	for _, id := range deadIDs {
		delete(m.subs, id)
		delete(m.workers, id)
	}
	valid := func(subID string) bool {
		_, ok := m.subs[subID]
		return ok
	}
	removed := m.systems.Sweep(valid)
	m.characters.Sweep(valid)
	m.mu.Unlock()

	if len(deadIDs) > 0 {
		slog.Info("Swept dead subscriptions", "count", len(deadIDs))
	}
	return removed + len(deadIDs)
}

// Close stops every worker.
func (m *Manager) Close() {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// Stats reports the manager's aggregate and per-subscription state.
type Stats struct {
	Subscriptions     int                    `json:"subscriptions"`
	IndexedSystems    int                    `json:"indexed_systems"`
	IndexedCharacters int                    `json:"indexed_characters"`
	Matched           int64                  `json:"matched"`
	Unmatched         int64                  `json:"unmatched"`
	Workers           map[string]WorkerStats `json:"workers"`
}

// Stats returns a snapshot of the fan-out state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Subscriptions:     len(m.subs),
		IndexedSystems:    m.systems.EntityCount(),
		IndexedCharacters: m.characters.EntityCount(),
		Matched:           m.matched.Load(),
		Unmatched:         m.unmatched.Load(),
		Workers:           make(map[string]WorkerStats, len(m.workers)),
	}
	for id, w := range m.workers {
		s.Workers[id] = w.stats()
	}
	return s
}
