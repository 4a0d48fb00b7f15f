package dto

import (
	"time"

	"wanderer-kills/internal/broadcast"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/internal/webhook"
)

// Timestamp is the envelope timestamp format shared by every response.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SystemKills is the per-system kill listing.
type SystemKills struct {
	SystemID int64                `json:"system_id"`
	Kills    []*killmail.Killmail `json:"kills"`
	// Cached is true when the response was served without an upstream
	// fetch.
	Cached bool `json:"cached"`
}

// SystemKillsEnvelope wraps SystemKills in the success shape.
type SystemKillsEnvelope struct {
	Data      SystemKills `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// SystemKillsOutput is the huma response wrapper.
type SystemKillsOutput struct {
	Body SystemKillsEnvelope
}

// CachedKillsOutput is the huma response wrapper for the cache-only view.
type CachedKillsOutput struct {
	Body SystemKillsEnvelope
}

// BulkKills maps each requested system to its kills, with per-system
// fetch errors reported inline.
type BulkKills struct {
	Systems map[int64][]*killmail.Killmail `json:"systems"`
	Errors  map[int64]string               `json:"errors,omitempty"`
}

// BulkKillsEnvelope wraps BulkKills.
type BulkKillsEnvelope struct {
	Data      BulkKills `json:"data"`
	Timestamp string    `json:"timestamp"`
}

// BulkKillsOutput is the huma response wrapper.
type BulkKillsOutput struct {
	Body BulkKillsEnvelope
}

// KillmailEnvelope wraps one enriched killmail.
type KillmailEnvelope struct {
	Data      *killmail.Killmail `json:"data"`
	Timestamp string             `json:"timestamp"`
}

// KillmailOutput is the huma response wrapper.
type KillmailOutput struct {
	Body KillmailEnvelope
}

// KillCount is the per-system counter payload.
type KillCount struct {
	SystemID int64 `json:"system_id"`
	Count    int   `json:"count"`
}

// KillCountEnvelope wraps KillCount.
type KillCountEnvelope struct {
	Data      KillCount `json:"data"`
	Timestamp string    `json:"timestamp"`
}

// KillCountOutput is the huma response wrapper.
type KillCountOutput struct {
	Body KillCountEnvelope
}

// SubscriptionEnvelope wraps one subscription.
type SubscriptionEnvelope struct {
	Data      *subscription.Subscription `json:"data"`
	Timestamp string                     `json:"timestamp"`
}

// SubscriptionOutput is the huma response wrapper.
type SubscriptionOutput struct {
	Status int
	Body   SubscriptionEnvelope
}

// SubscriptionListEnvelope wraps the subscription listing.
type SubscriptionListEnvelope struct {
	Data      []*subscription.Subscription `json:"data"`
	Timestamp string                       `json:"timestamp"`
}

// SubscriptionListOutput is the huma response wrapper.
type SubscriptionListOutput struct {
	Body SubscriptionListEnvelope
}

// Deleted reports a removal.
type Deleted struct {
	Deleted bool `json:"deleted"`
}

// DeletedEnvelope wraps Deleted.
type DeletedEnvelope struct {
	Data      Deleted `json:"data"`
	Timestamp string  `json:"timestamp"`
}

// DeleteSubscriptionOutput is the huma response wrapper.
type DeleteSubscriptionOutput struct {
	Body DeletedEnvelope
}

// SubscriptionStats aggregates the fan-out state for operators.
type SubscriptionStats struct {
	Subscriptions subscription.Stats              `json:"subscriptions"`
	Webhooks      webhook.Stats                   `json:"webhooks"`
	Broadcast     broadcast.Stats                 `json:"broadcast"`
	Cache         map[cache.Namespace]cache.Stats `json:"cache"`
}

// SubscriptionStatsEnvelope wraps SubscriptionStats.
type SubscriptionStatsEnvelope struct {
	Data      SubscriptionStats `json:"data"`
	Timestamp string            `json:"timestamp"`
}

// SubscriptionStatsOutput is the huma response wrapper.
type SubscriptionStatsOutput struct {
	Body SubscriptionStatsEnvelope
}
