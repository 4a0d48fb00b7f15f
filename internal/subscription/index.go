package subscription

import "sync"

// Index is an inverted index from an entity id (system or character) to
// the subscriptions interested in it. Both directions are tracked so
// removal by subscription id stays cheap.
type Index struct {
	mu      sync.RWMutex
	forward map[int64]map[string]struct{} // entity -> subscription ids
	reverse map[string]map[int64]struct{} // subscription -> entity ids
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		forward: make(map[int64]map[string]struct{}),
		reverse: make(map[string]map[int64]struct{}),
	}
}

// Set replaces the entity ids a subscription is interested in.
func (ix *Index) Set(subID string, entityIDs []int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(subID)
	if len(entityIDs) == 0 {
		return
	}
	entities := make(map[int64]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		entities[id] = struct{}{}
		subs, ok := ix.forward[id]
		if !ok {
			subs = make(map[string]struct{})
			ix.forward[id] = subs
		}
		subs[subID] = struct{}{}
	}
	ix.reverse[subID] = entities
}

// Remove drops every entry for a subscription.
func (ix *Index) Remove(subID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(subID)
}

func (ix *Index) removeLocked(subID string) {
	for entityID := range ix.reverse[subID] {
		subs := ix.forward[entityID]
		delete(subs, subID)
		if len(subs) == 0 {
			delete(ix.forward, entityID)
		}
	}
	delete(ix.reverse, subID)
}

// Lookup returns the subscription ids interested in an entity.
func (ix *Index) Lookup(entityID int64) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	subs := ix.forward[entityID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// LookupAny returns the distinct subscription ids interested in any of
// the given entities.
func (ix *Index) LookupAny(entityIDs []int64) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, entityID := range entityIDs {
		for id := range ix.forward[entityID] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// EntityCount returns how many distinct entities are indexed.
func (ix *Index) EntityCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.forward)
}

// Sweep removes entries whose subscription no longer passes valid.
// Returns how many subscriptions were dropped.
func (ix *Index) Sweep(valid func(subID string) bool) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	for subID := range ix.reverse {
		if !valid(subID) {
			ix.removeLocked(subID)
			removed++
		}
	}
	return removed
}
