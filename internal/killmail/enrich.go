package killmail

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wanderer-kills/internal/esi"
)

// shipNamer is the optional fast path for ship group/category lookup,
// backed by the bootstrapped catalogue.
type shipNamer interface {
	ShipGroupName(typeID int64) (group string, category string)
}

// EnricherStats counts enrichment outcomes.
type EnricherStats struct {
	Enriched atomic.Int64
	Partial  atomic.Int64
	Failed   atomic.Int64
}

// EnricherSnapshot is a point-in-time copy of the counters.
type EnricherSnapshot struct {
	Enriched int64 `json:"enriched"`
	Partial  int64 `json:"partial"`
	Failed   int64 `json:"failed"`
}

// Enricher decorates killmails with display names for characters,
// corporations, alliances, ships and weapons. Lookups that fail leave
// the id-only fields in place; a killmail with at least one resolved
// name counts as enriched.
type Enricher struct {
	resolver esi.BulkResolver
	// minParallel is the attacker count at which enrichment switches
	// from sequential lookups to batched fan-out.
	minParallel int
	taskTimeout time.Duration
	stats       EnricherStats
}

// EnricherOptions configures the enricher.
type EnricherOptions struct {
	MinParallel int
	TaskTimeout time.Duration
}

// NewEnricher creates an enricher.
func NewEnricher(resolver esi.BulkResolver, opts EnricherOptions) *Enricher {
	if opts.MinParallel <= 0 {
		opts.MinParallel = 3
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	return &Enricher{resolver: resolver, minParallel: opts.MinParallel, taskTimeout: opts.TaskTimeout}
}

// Stats returns a snapshot of the enrichment counters.
func (e *Enricher) Stats() EnricherSnapshot {
	return EnricherSnapshot{
		Enriched: e.stats.Enriched.Load(),
		Partial:  e.stats.Partial.Load(),
		Failed:   e.stats.Failed.Load(),
	}
}

// idSet collects the distinct entity ids a killmail references.
type idSet struct {
	characters   map[int64]struct{}
	corporations map[int64]struct{}
	alliances    map[int64]struct{}
	types        map[int64]struct{}
}

func collectIDs(km *Killmail) idSet {
	s := idSet{
		characters:   make(map[int64]struct{}),
		corporations: make(map[int64]struct{}),
		alliances:    make(map[int64]struct{}),
		types:        make(map[int64]struct{}),
	}
	add := func(p *Participant) {
		if p.CharacterID != nil {
			s.characters[*p.CharacterID] = struct{}{}
		}
		if p.CorporationID > 0 {
			s.corporations[p.CorporationID] = struct{}{}
		}
		if p.AllianceID != nil {
			s.alliances[*p.AllianceID] = struct{}{}
		}
		if p.ShipTypeID > 0 {
			s.types[p.ShipTypeID] = struct{}{}
		}
		if p.WeaponTypeID != nil {
			s.types[*p.WeaponTypeID] = struct{}{}
		}
	}
	add(&km.Victim)
	for i := range km.Attackers {
		add(&km.Attackers[i])
	}
	return s
}

func keys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// Enrich resolves names for every participant on km in place. It never
// fails the killmail: unresolved lookups leave ids bare, and the record
// keeps flowing either way.
func (e *Enricher) Enrich(ctx context.Context, km *Killmail) {
	ctx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	ids := collectIDs(km)

	var (
		characters   map[int64]*esi.Character
		corporations map[int64]*esi.Corporation
		alliances    map[int64]*esi.Alliance
		types        map[int64]*esi.Type
	)

	if len(km.Attackers) >= e.minParallel {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { characters = e.resolver.Characters(gctx, keys(ids.characters)); return nil })
		g.Go(func() error { corporations = e.resolver.Corporations(gctx, keys(ids.corporations)); return nil })
		g.Go(func() error { alliances = e.resolver.Alliances(gctx, keys(ids.alliances)); return nil })
		g.Go(func() error { types = e.resolver.Types(gctx, keys(ids.types)); return nil })
		g.Wait()
	} else {
		characters = make(map[int64]*esi.Character, len(ids.characters))
		for _, id := range keys(ids.characters) {
			if ch, err := e.resolver.Character(ctx, id); err == nil {
				characters[id] = ch
			}
		}
		corporations = make(map[int64]*esi.Corporation, len(ids.corporations))
		for _, id := range keys(ids.corporations) {
			if corp, err := e.resolver.Corporation(ctx, id); err == nil {
				corporations[id] = corp
			}
		}
		alliances = make(map[int64]*esi.Alliance, len(ids.alliances))
		for _, id := range keys(ids.alliances) {
			if a, err := e.resolver.Alliance(ctx, id); err == nil {
				alliances[id] = a
			}
		}
		types = make(map[int64]*esi.Type, len(ids.types))
		for _, id := range keys(ids.types) {
			if tp, err := e.resolver.Type(ctx, id); err == nil {
				types[id] = tp
			}
		}
	}

	resolved := 0
	attempted := len(ids.characters) + len(ids.corporations) + len(ids.alliances) + len(ids.types)

	apply := func(p *Participant) {
		if p.CharacterID != nil {
			if ch, ok := characters[*p.CharacterID]; ok {
				p.CharacterName = &ch.Name
				resolved++
			}
		}
		if corp, ok := corporations[p.CorporationID]; ok {
			p.CorporationName = &corp.Name
			resolved++
		}
		if p.AllianceID != nil {
			if a, ok := alliances[*p.AllianceID]; ok {
				p.AllianceName = &a.Name
				resolved++
			}
		}
		if tp, ok := types[p.ShipTypeID]; ok {
			p.ShipName = &tp.Name
			resolved++
			e.applyShipGroup(ctx, p, tp)
		}
		if p.WeaponTypeID != nil {
			if tp, ok := types[*p.WeaponTypeID]; ok {
				p.WeaponName = &tp.Name
				resolved++
			}
		}
	}
	apply(&km.Victim)
	for i := range km.Attackers {
		apply(&km.Attackers[i])
	}

	switch {
	case resolved == 0 && attempted > 0:
		e.stats.Failed.Add(1)
		slog.Warn("Killmail enrichment resolved nothing", "killmail_id", km.KillmailID)
	case len(characters) < len(ids.characters) || len(types) < len(ids.types):
		km.Enriched = true
		e.stats.Partial.Add(1)
	default:
		km.Enriched = true
		e.stats.Enriched.Add(1)
	}
}

// applyShipGroup fills the ship group and category, preferring the
// bootstrapped catalogue over a group lookup.
func (e *Enricher) applyShipGroup(ctx context.Context, p *Participant, tp *esi.Type) {
	if namer, ok := e.resolver.(shipNamer); ok {
		if group, category := namer.ShipGroupName(tp.ID); group != "" {
			p.ShipGroup = &group
			if category != "" {
				p.ShipCategory = &category
			}
			return
		}
	}
	grp, err := e.resolver.Group(ctx, tp.GroupID)
	if err != nil {
		return
	}
	p.ShipGroup = &grp.Name
	if grp.CategoryID == 6 {
		category := "Ship"
		p.ShipCategory = &category
	}
}
