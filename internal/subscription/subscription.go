// Package subscription implements killmail fan-out: subscriptions with
// OR-matched system and character filters, inverted indices for fast
// lookup, and one bounded worker per subscription so a slow consumer
// never stalls the pipeline.
package subscription

import (
	"time"

	"wanderer-kills/internal/killmail"
)

// Subscription is one registered interest in killmails. A killmail
// matches when its system is listed OR any participant character is
// listed; either filter may be empty.
type Subscription struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	SystemIDs    []int64   `json:"system_ids,omitempty"`
	CharacterIDs []int64   `json:"character_ids,omitempty"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Matches reports whether km satisfies the subscription's filters.
func (s *Subscription) Matches(km *killmail.Killmail) bool {
	for _, id := range s.SystemIDs {
		if id == km.SystemID {
			return true
		}
	}
	if len(s.CharacterIDs) == 0 {
		return false
	}
	want := make(map[int64]struct{}, len(s.CharacterIDs))
	for _, id := range s.CharacterIDs {
		want[id] = struct{}{}
	}
	for _, id := range km.CharacterIDs() {
		if _, ok := want[id]; ok {
			return true
		}
	}
	return false
}

// clone returns a defensive copy so callers cannot mutate manager state.
func (s *Subscription) clone() *Subscription {
	c := *s
	c.SystemIDs = append([]int64(nil), s.SystemIDs...)
	c.CharacterIDs = append([]int64(nil), s.CharacterIDs...)
	return &c
}
