// Package preload backfills recent kills for a websocket channel that
// joined with preload enabled. Cached history is served first; systems
// with nothing stored fall back to a zKillboard fetch at preload
// priority, so live traffic always wins the rate limiter.
package preload

import (
	"context"
	"log/slog"
	"time"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/internal/store"
	"wanderer-kills/pkg/clock"
)

// Limits and defaults for join-time preload config.
const (
	MaxLimitPerSystem    = 200
	MaxSinceHours        = 168
	MaxDeliveryBatchSize = 50

	defaultLimitPerSystem    = 50
	defaultSinceHours        = 1
	defaultDeliveryBatchSize = 10
	defaultDeliveryInterval  = time.Second
)

// Config is the per-channel preload request, normalized by Normalize.
// The wire carries the interval in milliseconds; DeliveryInterval is the
// in-process form and wins when both are set.
type Config struct {
	Enabled            bool          `json:"enabled"`
	LimitPerSystem     int           `json:"limit_per_system"`
	SinceHours         int           `json:"since_hours"`
	DeliveryBatchSize  int           `json:"delivery_batch_size"`
	DeliveryIntervalMs int           `json:"delivery_interval_ms,omitempty"`
	DeliveryInterval   time.Duration `json:"-"`
}

// Normalize clamps the config to its documented bounds.
func (c Config) Normalize() Config {
	if c.LimitPerSystem <= 0 {
		c.LimitPerSystem = defaultLimitPerSystem
	}
	if c.LimitPerSystem > MaxLimitPerSystem {
		c.LimitPerSystem = MaxLimitPerSystem
	}
	if c.SinceHours <= 0 {
		c.SinceHours = defaultSinceHours
	}
	if c.SinceHours > MaxSinceHours {
		c.SinceHours = MaxSinceHours
	}
	if c.DeliveryBatchSize <= 0 {
		c.DeliveryBatchSize = defaultDeliveryBatchSize
	}
	if c.DeliveryBatchSize > MaxDeliveryBatchSize {
		c.DeliveryBatchSize = MaxDeliveryBatchSize
	}
	if c.DeliveryInterval <= 0 && c.DeliveryIntervalMs > 0 {
		c.DeliveryInterval = time.Duration(c.DeliveryIntervalMs) * time.Millisecond
	}
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = defaultDeliveryInterval
	}
	return c
}

// StatusEvent reports progress before each system is processed.
type StatusEvent struct {
	SystemID     int64     `json:"system_id"`
	Current      int       `json:"current"`
	TotalSystems int       `json:"total_systems"`
	Timestamp    time.Time `json:"timestamp"`
}

// BatchEvent carries one delivery batch.
type BatchEvent struct {
	SystemID  int64                `json:"system_id"`
	Killmails []*killmail.Killmail `json:"killmails"`
	Sequence  int                  `json:"sequence"`
	Timestamp time.Time            `json:"timestamp"`
}

// CompleteEvent closes the preload with totals and per-system errors.
type CompleteEvent struct {
	TotalKills   int              `json:"total_kills"`
	TotalSystems int              `json:"total_systems"`
	Errors       map[int64]string `json:"errors,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Emitter receives preload events in strict status* → batch* → complete
// order. The websocket channel implements it.
type Emitter interface {
	PreloadStatus(ev StatusEvent)
	PreloadBatch(ev BatchEvent)
	PreloadComplete(ev CompleteEvent)
}

// Backfiller fetches history when the store has none; satisfied by
// ingest.ZkbFetcher.
type Backfiller interface {
	SystemKillmails(ctx context.Context, systemID int64, since time.Duration, limit int) ([]*killmail.Killmail, error)
}

// Lookup resolves stored killmail ids to full records; satisfied by
// killmail.Pipeline.
type Lookup interface {
	Cached(killmailID int64) (*killmail.Killmail, bool)
}

// Preloader runs the backfill for joining channels.
type Preloader struct {
	store      *store.EventStore
	lookup     Lookup
	backfill   Backfiller
	clk        clock.Clock
	// realtimePriority promotes preload fetches to realtime when the
	// operator opts in.
	realtimePriority bool
}

// New creates a preloader.
func New(st *store.EventStore, lookup Lookup, backfill Backfiller, clk clock.Clock, realtimePriority bool) *Preloader {
	return &Preloader{
		store:            st,
		lookup:           lookup,
		backfill:         backfill,
		clk:              clk,
		realtimePriority: realtimePriority,
	}
}

// Run preloads the given systems for one channel. Events go to emit in
// order; cancellation via ctx abandons outstanding fetches and drops
// undelivered batches, but complete is always emitted unless the
// context died first.
func (p *Preloader) Run(ctx context.Context, systems []int64, cfg Config, emit Emitter) {
	cfg = cfg.Normalize()

	priority := ratelimit.PriorityPreload
	if p.realtimePriority {
		priority = ratelimit.PriorityRealtime
	}
	ctx = ratelimit.WithPriority(ctx, priority)

	since := time.Duration(cfg.SinceHours) * time.Hour
	totalKills := 0
	errs := make(map[int64]string)

	for i, systemID := range systems {
		if ctx.Err() != nil {
			return
		}
		emit.PreloadStatus(StatusEvent{
			SystemID:     systemID,
			Current:      i + 1,
			TotalSystems: len(systems),
			Timestamp:    p.clk.Now(),
		})

		kms, err := p.systemKills(ctx, systemID, since, cfg.LimitPerSystem)
		if err != nil {
			errs[systemID] = err.Error()
			slog.Warn("Preload fetch failed", "system_id", systemID, "error", err)
			continue
		}

		delivered, err := p.deliver(ctx, systemID, kms, cfg, emit)
		totalKills += delivered
		if err != nil {
			return // channel gone
		}
	}

	emit.PreloadComplete(CompleteEvent{
		TotalKills:   totalKills,
		TotalSystems: len(systems),
		Errors:       errs,
		Timestamp:    p.clk.Now(),
	})
	slog.Info("Preload completed",
		"systems", len(systems), "kills", totalKills, "errors", len(errs))
}

// systemKills serves from the event store when possible, otherwise
// backfills from the killboard.
func (p *Preloader) systemKills(ctx context.Context, systemID int64, since time.Duration, limit int) ([]*killmail.Killmail, error) {
	cutoff := p.clk.Now().Add(-since)
	ids := p.store.ListSince(systemID, cutoff, limit)
	if len(ids) > 0 {
		kms := make([]*killmail.Killmail, 0, len(ids))
		for _, id := range ids {
			if km, ok := p.lookup.Cached(id); ok {
				kms = append(kms, km)
			}
		}
		if len(kms) > 0 {
			return kms, nil
		}
	}
	return p.backfill.SystemKillmails(ctx, systemID, since, limit)
}

// deliver pushes kms in paced batches. Returns how many were delivered
// and an error only on cancellation.
func (p *Preloader) deliver(ctx context.Context, systemID int64, kms []*killmail.Killmail, cfg Config, emit Emitter) (int, error) {
	delivered := 0
	seq := 0
	for start := 0; start < len(kms); start += cfg.DeliveryBatchSize {
		end := start + cfg.DeliveryBatchSize
		if end > len(kms) {
			end = len(kms)
		}
		seq++
		emit.PreloadBatch(BatchEvent{
			SystemID:  systemID,
			Killmails: kms[start:end],
			Sequence:  seq,
			Timestamp: p.clk.Now(),
		})
		delivered += end - start

		if end < len(kms) {
			select {
			case <-ctx.Done():
				return delivered, ctx.Err()
			case <-time.After(cfg.DeliveryInterval):
			}
		}
	}
	return delivered, nil
}
