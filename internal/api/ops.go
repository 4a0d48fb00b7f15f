// Package api assembles the HTTP surface: the versioned REST routes,
// the WebSocket endpoint and the operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wanderer-kills/internal/broadcast"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/ingest"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/internal/webhook"
	"wanderer-kills/pkg/clock"
	"wanderer-kills/pkg/handlers"
	"wanderer-kills/pkg/version"
)

// Ops serves the unversioned operational endpoints: /health, /status
// and /metrics.
type Ops struct {
	clk     clock.Clock
	started time.Time

	ingester    *ingest.RedisQIngester
	parser      *killmail.Parser
	enricher    *killmail.Enricher
	pipeline    *killmail.Pipeline
	limiter     *ratelimit.Limiter
	store       *store.EventStore
	cache       *cache.Cache
	manager     *subscription.Manager
	notifier    *webhook.Notifier
	broadcaster *broadcast.Broadcaster
}

// NewOps wires the operational endpoints. Any nil component is simply
// omitted from the reports.
func NewOps(clk clock.Clock, ingester *ingest.RedisQIngester, parser *killmail.Parser, enricher *killmail.Enricher, pipeline *killmail.Pipeline, limiter *ratelimit.Limiter, st *store.EventStore, c *cache.Cache, manager *subscription.Manager, notifier *webhook.Notifier, broadcaster *broadcast.Broadcaster) *Ops {
	return &Ops{
		clk:         clk,
		started:     clk.Now(),
		ingester:    ingester,
		parser:      parser,
		enricher:    enricher,
		pipeline:    pipeline,
		limiter:     limiter,
		store:       st,
		cache:       c,
		manager:     manager,
		notifier:    notifier,
		broadcaster: broadcaster,
	}
}

// Mount registers the operational endpoints on the router root.
func (o *Ops) Mount(r chi.Router) {
	r.Get("/health", o.health)
	r.Get("/status", o.status)
	r.Get("/metrics", o.metrics)
}

func (o *Ops) health(w http.ResponseWriter, r *http.Request) {
	handlers.JSONResponse(w, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	}, http.StatusOK)
}

// statusReport is the /status payload.
type statusReport struct {
	Version       version.Info           `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Ingest        *ingest.RedisQSnapshot `json:"ingest,omitempty"`
	Systems       int                    `json:"systems_tracked"`
	Killmails     int64                  `json:"killmails_received"`
	Subscriptions int                    `json:"subscriptions"`
}

func (o *Ops) status(w http.ResponseWriter, r *http.Request) {
	report := statusReport{
		Version:       version.Get(),
		UptimeSeconds: int64(o.clk.Now().Sub(o.started).Seconds()),
	}
	if o.ingester != nil {
		snap := o.ingester.Stats()
		report.Ingest = &snap
	}
	if o.store != nil {
		report.Systems = o.store.SystemCount()
		report.Killmails = o.store.TotalAppended()
	}
	if o.manager != nil {
		report.Subscriptions = o.manager.Count()
	}
	handlers.SuccessResponse(w, report, http.StatusOK)
}

func (o *Ops) metrics(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]any{}
	if o.parser != nil {
		metrics["parser"] = o.parser.Stats()
	}
	if o.enricher != nil {
		metrics["enricher"] = o.enricher.Stats()
	}
	if o.pipeline != nil {
		metrics["pipeline"] = o.pipeline.Stats()
	}
	if o.ingester != nil {
		metrics["redisq"] = o.ingester.Stats()
	}
	if o.limiter != nil {
		metrics["rate_limits"] = o.limiter.Stats()
	}
	if o.cache != nil {
		metrics["cache"] = o.cache.AllStats()
	}
	if o.manager != nil {
		metrics["subscriptions"] = o.manager.Stats()
	}
	if o.notifier != nil {
		metrics["webhooks"] = o.notifier.Stats()
	}
	if o.broadcaster != nil {
		metrics["broadcast"] = o.broadcaster.Stats()
	}
	handlers.SuccessResponse(w, metrics, http.StatusOK)
}
