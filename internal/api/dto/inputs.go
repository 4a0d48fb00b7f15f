package dto

// SystemKillsInput selects recent kills for one system.
type SystemKillsInput struct {
	SystemID   int64 `path:"system_id" minimum:"1" maximum:"32000000" description:"Solar system ID" example:"30000142"`
	SinceHours int   `query:"since_hours" minimum:"1" maximum:"168" default:"1" description:"Look-back window in hours"`
	Limit      int   `query:"limit" minimum:"1" maximum:"1000" default:"50" description:"Maximum kills to return"`
}

// BulkKillsRequest is the POST body for multi-system fetches.
type BulkKillsRequest struct {
	SystemIDs  []int64 `json:"system_ids" validate:"required,min=1,max=50,dive,min=1,max=32000000" description:"Systems to fetch"`
	SinceHours int     `json:"since_hours" validate:"omitempty,min=1,max=168" description:"Look-back window in hours"`
	Limit      int     `json:"limit" validate:"omitempty,min=1,max=1000" description:"Per-system kill limit"`
}

// BulkKillsInput wraps the bulk request body.
type BulkKillsInput struct {
	Body BulkKillsRequest
}

// CachedKillsInput selects the cache-only view of one system.
type CachedKillsInput struct {
	SystemID int64 `path:"system_id" minimum:"1" maximum:"32000000" description:"Solar system ID"`
	Limit    int   `query:"limit" minimum:"1" maximum:"1000" default:"50" description:"Maximum kills to return"`
}

// KillmailInput selects one killmail by id.
type KillmailInput struct {
	KillmailID int64 `path:"killmail_id" minimum:"1" description:"Killmail ID" example:"128354000"`
}

// KillCountInput selects the kill counter for one system.
type KillCountInput struct {
	SystemID int64 `path:"system_id" minimum:"1" maximum:"32000000" description:"Solar system ID"`
}

// CreateSubscriptionRequest is the POST body for webhook subscriptions.
type CreateSubscriptionRequest struct {
	SubscriberID string  `json:"subscriber_id" validate:"omitempty,max=128" description:"Opaque subscriber label"`
	SystemIDs    []int64 `json:"system_ids" validate:"omitempty,max=100,dive,min=1,max=32000000" description:"Systems to watch"`
	CharacterIDs []int64 `json:"character_ids" validate:"omitempty,max=1000,dive,min=1" description:"Characters to watch"`
	CallbackURL  string  `json:"callback_url" validate:"required,url" description:"Webhook endpoint receiving updates"`
}

// CreateSubscriptionInput wraps the subscription body.
type CreateSubscriptionInput struct {
	Body CreateSubscriptionRequest
}

// SubscriptionIDInput selects one subscription.
type SubscriptionIDInput struct {
	ID string `path:"subscription_id" description:"Subscription ID"`
}
