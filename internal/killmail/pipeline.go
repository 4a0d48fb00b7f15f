package killmail

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/store"
)

// Sink receives finished killmails for fan-out to subscribers. Both the
// subscription manager and the websocket broadcaster implement it.
type Sink interface {
	Deliver(kms []*Killmail)
}

// PipelineStats counts pipeline outcomes.
type PipelineStats struct {
	Processed  atomic.Int64
	CacheHits  atomic.Int64
	Duplicates atomic.Int64
	Errors     atomic.Int64
}

// PipelineSnapshot is a point-in-time copy of the counters.
type PipelineSnapshot struct {
	Processed  int64 `json:"processed"`
	CacheHits  int64 `json:"cache_hits"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// Pipeline drives a parsed killmail through enrichment, caching, the
// event store and delivery. It is the single write path: everything the
// API and subscribers see passed through here first.
type Pipeline struct {
	enricher *Enricher
	cache    *cache.Cache
	store    *store.EventStore
	sinks    []Sink

	killmailTTL time.Duration
	systemTTL   time.Duration
	concurrency int

	stats PipelineStats
}

// PipelineOptions configures the pipeline.
type PipelineOptions struct {
	KillmailTTL time.Duration
	SystemTTL   time.Duration
	// Concurrency bounds parallel killmail processing during batch
	// submission (preload, historical fetch).
	Concurrency int
}

// NewPipeline creates a pipeline. Sinks receive every finished killmail.
func NewPipeline(enricher *Enricher, c *cache.Cache, s *store.EventStore, opts PipelineOptions, sinks ...Sink) *Pipeline {
	if opts.KillmailTTL <= 0 {
		opts.KillmailTTL = 5 * time.Minute
	}
	if opts.SystemTTL <= 0 {
		opts.SystemTTL = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	return &Pipeline{
		enricher:    enricher,
		cache:       c,
		store:       s,
		sinks:       sinks,
		killmailTTL: opts.KillmailTTL,
		systemTTL:   opts.SystemTTL,
		concurrency: opts.Concurrency,
	}
}

// AddSink registers an additional delivery target. Not safe to call once
// killmails are flowing.
func (p *Pipeline) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineSnapshot {
	return PipelineSnapshot{
		Processed:  p.stats.Processed.Load(),
		CacheHits:  p.stats.CacheHits.Load(),
		Duplicates: p.stats.Duplicates.Load(),
		Errors:     p.stats.Errors.Load(),
	}
}

// Process runs one killmail through enrich → cache → store → deliver.
// An already-cached enriched record short-circuits enrichment but is
// still delivered, so late subscribers see preloaded kills.
func (p *Pipeline) Process(ctx context.Context, km *Killmail) (*Killmail, error) {
	if km == nil {
		return nil, nil
	}

	key := fmt.Sprintf("%d", km.KillmailID)
	if v, ok := p.cache.Get(cache.NSKillmail, key); ok {
		if cached, ok := v.(*Killmail); ok && cached.Enriched {
			p.stats.CacheHits.Add(1)
			if p.store.Has(km.SystemID, km.KillmailID) {
				p.stats.Duplicates.Add(1)
				return cached, nil
			}
			p.commit(cached)
			return cached, nil
		}
	}

	p.enricher.Enrich(ctx, km)

	p.cache.Put(cache.NSKillmail, key, km, p.killmailTTL)
	if p.store.Has(km.SystemID, km.KillmailID) {
		p.stats.Duplicates.Add(1)
		return km, nil
	}
	p.commit(km)
	return km, nil
}

// commit appends to the event store and system index, then delivers.
func (p *Pipeline) commit(km *Killmail) {
	p.store.Append(km.SystemID, km.KillmailID)
	p.cache.AddSystemKillmail(km.SystemID, km.KillmailID, p.systemTTL)
	for _, s := range p.sinks {
		s.Deliver([]*Killmail{km})
	}
	p.stats.Processed.Add(1)
}

// ProcessBatch runs a batch through the pipeline with bounded
// concurrency. Individual failures are logged and skipped; the returned
// slice holds the killmails that made it through.
func (p *Pipeline) ProcessBatch(ctx context.Context, kms []*Killmail) []*Killmail {
	out := make([]*Killmail, len(kms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, km := range kms {
		g.Go(func() error {
			done, err := p.Process(gctx, km)
			if err != nil {
				p.stats.Errors.Add(1)
				slog.Warn("Killmail processing failed", "killmail_id", km.KillmailID, "error", err)
				return nil
			}
			out[i] = done
			return nil
		})
	}
	g.Wait()

	final := out[:0]
	for _, km := range out {
		if km != nil {
			final = append(final, km)
		}
	}
	return final
}

// Cached returns the cached killmail record, if present.
func (p *Pipeline) Cached(killmailID int64) (*Killmail, bool) {
	v, ok := p.cache.Get(cache.NSKillmail, fmt.Sprintf("%d", killmailID))
	if !ok {
		return nil, false
	}
	km, ok := v.(*Killmail)
	return km, ok
}
