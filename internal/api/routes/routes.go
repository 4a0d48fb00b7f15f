package routes

import (
	"context"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"wanderer-kills/internal/api/dto"
	"wanderer-kills/internal/broadcast"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/internal/webhook"
	"wanderer-kills/pkg/handlers"
)

// bulkFetchParallelism caps concurrent upstream fetches for one bulk
// request so a single client cannot drain the zkillboard budget.
const bulkFetchParallelism = 5

// HistoryFetcher pulls historical kills for a system from zkillboard.
type HistoryFetcher interface {
	SystemKillmails(ctx context.Context, systemID int64, since time.Duration, limit int) ([]*killmail.Killmail, error)
}

// Module represents the kills API routes module
type Module struct {
	store       *store.EventStore
	pipeline    *killmail.Pipeline
	history     HistoryFetcher
	manager     *subscription.Manager
	notifier    *webhook.Notifier
	broadcaster *broadcast.Broadcaster
	cache       *cache.Cache
	validate    *validator.Validate
}

// NewModule creates a new kills API routes module
func NewModule(st *store.EventStore, pipeline *killmail.Pipeline, history HistoryFetcher, manager *subscription.Manager, notifier *webhook.Notifier, broadcaster *broadcast.Broadcaster, c *cache.Cache) *Module {
	return &Module{
		store:       st,
		pipeline:    pipeline,
		history:     history,
		manager:     manager,
		notifier:    notifier,
		broadcaster: broadcaster,
		cache:       c,
		validate:    validator.New(),
	}
}

// RegisterUnifiedRoutes registers all kills API routes with the provided Huma API
func (m *Module) RegisterUnifiedRoutes(api huma.API, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID: "kills-get-system",
		Method:      "GET",
		Path:        basePath + "/kills/system/{system_id}",
		Summary:     "Get System Kills",
		Description: "Retrieve recent kills for a solar system. Served from the in-memory store when possible, otherwise fetched from zKillboard at realtime priority.",
		Tags:        []string{"Kills"},
	}, func(ctx context.Context, input *dto.SystemKillsInput) (*dto.SystemKillsOutput, error) {
		return m.systemKills(ctx, input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "kills-get-bulk",
		Method:      "POST",
		Path:        basePath + "/kills/systems",
		Summary:     "Get Kills for Multiple Systems",
		Description: "Retrieve recent kills for up to 50 systems in one request. Per-system failures are reported inline without failing the whole request.",
		Tags:        []string{"Kills"},
	}, func(ctx context.Context, input *dto.BulkKillsInput) (*dto.BulkKillsOutput, error) {
		return m.bulkKills(ctx, input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "kills-get-cached",
		Method:      "GET",
		Path:        basePath + "/kills/cached/{system_id}",
		Summary:     "Get Cached System Kills",
		Description: "Retrieve kills for a solar system from the cache only. Never triggers an upstream fetch.",
		Tags:        []string{"Kills"},
	}, func(ctx context.Context, input *dto.CachedKillsInput) (*dto.CachedKillsOutput, error) {
		return m.cachedKills(ctx, input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "kills-get-count",
		Method:      "GET",
		Path:        basePath + "/kills/count/{system_id}",
		Summary:     "Get System Kill Count",
		Description: "Return the number of kills currently tracked for a solar system.",
		Tags:        []string{"Kills"},
	}, func(ctx context.Context, input *dto.KillCountInput) (*dto.KillCountOutput, error) {
		return m.killCount(ctx, input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "killmail-get",
		Method:      "GET",
		Path:        basePath + "/killmail/{killmail_id}",
		Summary:     "Get Killmail",
		Description: "Retrieve one enriched killmail by ID from the cache.",
		Tags:        []string{"Kills"},
	}, func(ctx context.Context, input *dto.KillmailInput) (*dto.KillmailOutput, error) {
		return m.getKillmail(ctx, input)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "subscriptions-create",
		Method:        "POST",
		Path:          basePath + "/subscriptions",
		Summary:       "Create Webhook Subscription",
		Description:   "Subscribe a webhook URL to kill updates filtered by system and/or character IDs. Matching uses OR semantics across the two filters.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: 201,
	}, func(ctx context.Context, input *dto.CreateSubscriptionInput) (*dto.SubscriptionOutput, error) {
		return m.createSubscription(ctx, input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "subscriptions-list",
		Method:      "GET",
		Path:        basePath + "/subscriptions",
		Summary:     "List Webhook Subscriptions",
		Description: "List all active webhook subscriptions.",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *struct{}) (*dto.SubscriptionListOutput, error) {
		return m.listSubscriptions(ctx)
	})

	huma.Register(api, huma.Operation{
		OperationID: "subscriptions-stats",
		Method:      "GET",
		Path:        basePath + "/subscriptions/stats",
		Summary:     "Get Subscription Statistics",
		Description: "Aggregate fan-out, webhook delivery, broadcast and cache statistics.",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *struct{}) (*dto.SubscriptionStatsOutput, error) {
		return m.subscriptionStats(ctx)
	})

	huma.Register(api, huma.Operation{
		OperationID: "subscriptions-delete",
		Method:      "DELETE",
		Path:        basePath + "/subscriptions/{subscription_id}",
		Summary:     "Delete Webhook Subscription",
		Description: "Remove a webhook subscription and stop its deliveries.",
		Tags:        []string{"Subscriptions"},
	}, func(ctx context.Context, input *dto.SubscriptionIDInput) (*dto.DeleteSubscriptionOutput, error) {
		return m.deleteSubscription(ctx, input)
	})
}

// resolveCached maps event-store IDs to enriched killmails, skipping
// IDs whose payloads already expired from the cache.
func (m *Module) resolveCached(ids []int64) []*killmail.Killmail {
	kills := make([]*killmail.Killmail, 0, len(ids))
	for _, id := range ids {
		if km, ok := m.pipeline.Cached(id); ok {
			kills = append(kills, km)
		}
	}
	return kills
}

// fetchSystem serves one system either from the store or, when the
// store has nothing recent, from zKillboard.
func (m *Module) fetchSystem(ctx context.Context, systemID int64, since time.Duration, limit int) ([]*killmail.Killmail, bool, error) {
	cutoff := time.Now().UTC().Add(-since)
	if kills := m.resolveCached(m.store.ListSince(systemID, cutoff, limit)); len(kills) > 0 {
		return kills, true, nil
	}
	kills, err := m.history.SystemKillmails(ctx, systemID, since, limit)
	if err != nil {
		return nil, false, err
	}
	return kills, false, nil
}

func (m *Module) systemKills(ctx context.Context, input *dto.SystemKillsInput) (*dto.SystemKillsOutput, error) {
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityRealtime)
	kills, cached, err := m.fetchSystem(ctx, input.SystemID, time.Duration(input.SinceHours)*time.Hour, input.Limit)
	if err != nil {
		return nil, apiError(err)
	}
	return &dto.SystemKillsOutput{Body: dto.SystemKillsEnvelope{
		Data:      dto.SystemKills{SystemID: input.SystemID, Kills: kills, Cached: cached},
		Timestamp: dto.Timestamp(),
	}}, nil
}

func (m *Module) bulkKills(ctx context.Context, input *dto.BulkKillsInput) (*dto.BulkKillsOutput, error) {
	if err := m.validate.Struct(&input.Body); err != nil {
		return nil, huma.Error400BadRequest("invalid bulk kills request", err)
	}
	sinceHours := input.Body.SinceHours
	if sinceHours == 0 {
		sinceHours = 1
	}
	limit := input.Body.Limit
	if limit == 0 {
		limit = 50
	}

	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityRealtime)
	var mu sync.Mutex
	systems := make(map[int64][]*killmail.Killmail, len(input.Body.SystemIDs))
	errs := make(map[int64]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkFetchParallelism)
	for _, systemID := range input.Body.SystemIDs {
		g.Go(func() error {
			kills, _, err := m.fetchSystem(gctx, systemID, time.Duration(sinceHours)*time.Hour, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[systemID] = err.Error()
				return nil
			}
			systems[systemID] = kills
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == 0 {
		errs = nil
	}
	return &dto.BulkKillsOutput{Body: dto.BulkKillsEnvelope{
		Data:      dto.BulkKills{Systems: systems, Errors: errs},
		Timestamp: dto.Timestamp(),
	}}, nil
}

func (m *Module) cachedKills(ctx context.Context, input *dto.CachedKillsInput) (*dto.CachedKillsOutput, error) {
	kills := m.resolveCached(m.cache.ListSystemKillmails(input.SystemID, input.Limit))
	return &dto.CachedKillsOutput{Body: dto.SystemKillsEnvelope{
		Data:      dto.SystemKills{SystemID: input.SystemID, Kills: kills, Cached: true},
		Timestamp: dto.Timestamp(),
	}}, nil
}

func (m *Module) killCount(ctx context.Context, input *dto.KillCountInput) (*dto.KillCountOutput, error) {
	return &dto.KillCountOutput{Body: dto.KillCountEnvelope{
		Data:      dto.KillCount{SystemID: input.SystemID, Count: m.store.Count(input.SystemID)},
		Timestamp: dto.Timestamp(),
	}}, nil
}

func (m *Module) getKillmail(ctx context.Context, input *dto.KillmailInput) (*dto.KillmailOutput, error) {
	km, ok := m.pipeline.Cached(input.KillmailID)
	if !ok {
		return nil, huma.Error404NotFound("killmail not found")
	}
	return &dto.KillmailOutput{Body: dto.KillmailEnvelope{Data: km, Timestamp: dto.Timestamp()}}, nil
}

func (m *Module) createSubscription(ctx context.Context, input *dto.CreateSubscriptionInput) (*dto.SubscriptionOutput, error) {
	if err := m.validate.Struct(&input.Body); err != nil {
		return nil, huma.Error400BadRequest("invalid subscription request", err)
	}
	sub, err := m.manager.Subscribe(subscription.Subscription{
		SubscriberID: input.Body.SubscriberID,
		SystemIDs:    input.Body.SystemIDs,
		CharacterIDs: input.Body.CharacterIDs,
		WebhookURL:   input.Body.CallbackURL,
	}, m.notifier.DeliverFunc(m.store))
	if err != nil {
		return nil, apiError(err)
	}
	return &dto.SubscriptionOutput{Status: 201, Body: dto.SubscriptionEnvelope{Data: sub, Timestamp: dto.Timestamp()}}, nil
}

func (m *Module) listSubscriptions(ctx context.Context) (*dto.SubscriptionListOutput, error) {
	return &dto.SubscriptionListOutput{Body: dto.SubscriptionListEnvelope{
		Data:      m.manager.List(),
		Timestamp: dto.Timestamp(),
	}}, nil
}

func (m *Module) deleteSubscription(ctx context.Context, input *dto.SubscriptionIDInput) (*dto.DeleteSubscriptionOutput, error) {
	if !m.manager.Unsubscribe(input.ID) {
		return nil, newError(handlers.ErrKindNotFound, 404, "subscription not found", nil)
	}
	return &dto.DeleteSubscriptionOutput{Body: dto.DeletedEnvelope{
		Data:      dto.Deleted{Deleted: true},
		Timestamp: dto.Timestamp(),
	}}, nil
}

func (m *Module) subscriptionStats(ctx context.Context) (*dto.SubscriptionStatsOutput, error) {
	return &dto.SubscriptionStatsOutput{Body: dto.SubscriptionStatsEnvelope{
		Data: dto.SubscriptionStats{
			Subscriptions: m.manager.Stats(),
			Webhooks:      m.notifier.Stats(),
			Broadcast:     m.broadcaster.Stats(),
			Cache:         m.cache.AllStats(),
		},
		Timestamp: dto.Timestamp(),
	}}, nil
}
