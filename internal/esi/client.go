package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/config"
)

// Resolver is the lookup capability consumed by the parser and enricher.
// The real client and test doubles both implement it.
type Resolver interface {
	Character(ctx context.Context, id int64) (*Character, error)
	Corporation(ctx context.Context, id int64) (*Corporation, error)
	Alliance(ctx context.Context, id int64) (*Alliance, error)
	Type(ctx context.Context, id int64) (*Type, error)
	Group(ctx context.Context, id int64) (*Group, error)
	Killmail(ctx context.Context, id int64, hash string) (*KillmailBody, error)
}

// BulkResolver extends Resolver with the batched variants used when a
// killmail carries many distinct participants.
type BulkResolver interface {
	Resolver
	Characters(ctx context.Context, ids []int64) map[int64]*Character
	Corporations(ctx context.Context, ids []int64) map[int64]*Corporation
	Alliances(ctx context.Context, ids []int64) map[int64]*Alliance
	Types(ctx context.Context, ids []int64) map[int64]*Type
}

// Fetcher is the HTTP dependency; satisfied by fetch.Fetcher.
type Fetcher interface {
	Get(ctx context.Context, service string, priority ratelimit.Priority, url string, headers map[string]string) ([]byte, error)
}

// Client resolves ESI entities through the shared fetcher with caching.
type Client struct {
	fetcher        Fetcher
	cache          *cache.Cache
	baseURL        string
	entityTTL      time.Duration
	killmailTTL    time.Duration
	maxConcurrency int
}

// Options configures the client.
type Options struct {
	BaseURL        string
	EntityTTL      time.Duration
	KillmailTTL    time.Duration
	MaxConcurrency int
}

// NewClient creates an ESI client.
func NewClient(fetcher Fetcher, c *cache.Cache, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://esi.evetech.net/latest"
	}
	if opts.EntityTTL <= 0 {
		opts.EntityTTL = time.Hour
	}
	if opts.KillmailTTL <= 0 {
		opts.KillmailTTL = 24 * time.Hour
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	return &Client{
		fetcher:        fetcher,
		cache:          c,
		baseURL:        opts.BaseURL,
		entityTTL:      opts.EntityTTL,
		killmailTTL:    opts.KillmailTTL,
		maxConcurrency: opts.MaxConcurrency,
	}
}

// fetchJSON gets url through the fetcher at the context's priority and
// decodes into out.
func (c *Client) fetchJSON(ctx context.Context, spanName, url string, out any) error {
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		tracer := otel.Tracer("wanderer-kills/esi")
		var span trace.Span
		ctx, span = tracer.Start(ctx, spanName,
			trace.WithAttributes(attribute.String("esi.url", url)))
		defer span.End()
	}

	body, err := c.fetcher.Get(ctx, "esi", ratelimit.PriorityFromContext(ctx), url, nil)
	if err != nil {
		if apperr.KindOf(err) == "http:not_found" {
			return apperr.ErrESINotFound
		}
		return apperr.Wrap(apperr.DomainESI, "api_error", "ESI request failed", apperr.IsRetryable(err), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.DomainESI, "api_error", "failed to decode ESI response", false, err)
	}
	return nil
}

// Character resolves a character, cached for the entity TTL.
func (c *Client) Character(ctx context.Context, id int64) (*Character, error) {
	key := fmt.Sprintf("%d", id)
	v, err := c.cache.GetOrCompute(ctx, cache.NSCharacter, key, c.entityTTL, func(lctx context.Context) (any, error) {
		var raw struct {
			Name          string `json:"name"`
			CorporationID int64  `json:"corporation_id"`
			AllianceID    *int64 `json:"alliance_id"`
		}
		url := fmt.Sprintf("%s/characters/%d/", c.baseURL, id)
		if err := c.fetchJSON(lctx, "esi.Character", url, &raw); err != nil {
			return nil, err
		}
		return &Character{ID: id, Name: raw.Name, CorporationID: raw.CorporationID, AllianceID: raw.AllianceID}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Character), nil
}

// Corporation resolves a corporation, cached for the entity TTL.
func (c *Client) Corporation(ctx context.Context, id int64) (*Corporation, error) {
	key := fmt.Sprintf("%d", id)
	v, err := c.cache.GetOrCompute(ctx, cache.NSCorporation, key, c.entityTTL, func(lctx context.Context) (any, error) {
		var raw struct {
			Name       string `json:"name"`
			Ticker     string `json:"ticker"`
			AllianceID *int64 `json:"alliance_id"`
		}
		url := fmt.Sprintf("%s/corporations/%d/", c.baseURL, id)
		if err := c.fetchJSON(lctx, "esi.Corporation", url, &raw); err != nil {
			return nil, err
		}
		return &Corporation{ID: id, Name: raw.Name, Ticker: raw.Ticker, AllianceID: raw.AllianceID}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Corporation), nil
}

// Alliance resolves an alliance, cached for the entity TTL.
func (c *Client) Alliance(ctx context.Context, id int64) (*Alliance, error) {
	key := fmt.Sprintf("%d", id)
	v, err := c.cache.GetOrCompute(ctx, cache.NSAlliance, key, c.entityTTL, func(lctx context.Context) (any, error) {
		var raw struct {
			Name   string `json:"name"`
			Ticker string `json:"ticker"`
		}
		url := fmt.Sprintf("%s/alliances/%d/", c.baseURL, id)
		if err := c.fetchJSON(lctx, "esi.Alliance", url, &raw); err != nil {
			return nil, err
		}
		return &Alliance{ID: id, Name: raw.Name, Ticker: raw.Ticker}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Alliance), nil
}

// Type resolves an inventory type. Catalogue entries loaded at bootstrap
// are cached persistently and never hit the network.
func (c *Client) Type(ctx context.Context, id int64) (*Type, error) {
	key := fmt.Sprintf("%d", id)
	v, err := c.cache.GetOrCompute(ctx, cache.NSType, key, c.entityTTL, func(lctx context.Context) (any, error) {
		var raw struct {
			Name    string `json:"name"`
			GroupID int64  `json:"group_id"`
		}
		url := fmt.Sprintf("%s/universe/types/%d/", c.baseURL, id)
		if err := c.fetchJSON(lctx, "esi.Type", url, &raw); err != nil {
			return nil, err
		}
		return &Type{ID: id, Name: raw.Name, GroupID: raw.GroupID}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Type), nil
}

// Group resolves an inventory group with its member types.
func (c *Client) Group(ctx context.Context, id int64) (*Group, error) {
	key := fmt.Sprintf("%d", id)
	v, err := c.cache.GetOrCompute(ctx, cache.NSGroup, key, c.entityTTL, func(lctx context.Context) (any, error) {
		var raw struct {
			Name       string  `json:"name"`
			CategoryID int64   `json:"category_id"`
			Types      []int64 `json:"types"`
		}
		url := fmt.Sprintf("%s/universe/groups/%d/", c.baseURL, id)
		if err := c.fetchJSON(lctx, "esi.Group", url, &raw); err != nil {
			return nil, err
		}
		return &Group{ID: id, Name: raw.Name, CategoryID: raw.CategoryID, Types: raw.Types}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Group), nil
}

// Killmail fetches a full killmail body by id and hash, cached for the
// killmail TTL.
func (c *Client) Killmail(ctx context.Context, id int64, hash string) (*KillmailBody, error) {
	key := fmt.Sprintf("%d:%s", id, hash)
	v, err := c.cache.GetOrCompute(ctx, cache.NSESIKillmail, key, c.killmailTTL, func(lctx context.Context) (any, error) {
		var body KillmailBody
		url := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, id, hash)
		if err := c.fetchJSON(lctx, "esi.Killmail", url, &body); err != nil {
			return nil, err
		}
		return &body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KillmailBody), nil
}
