package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/pkg/apperr"
)

// Fetcher is the rate-limited HTTP dependency; satisfied by
// fetch.Fetcher.
type Fetcher interface {
	Get(ctx context.Context, service string, priority ratelimit.Priority, url string, headers map[string]string) ([]byte, error)
}

// ZkbFetcher pulls historical killmail references for a system from the
// zKillboard API and drives them through the pipeline. References carry
// only id + hash; the parser completes them from ESI.
type ZkbFetcher struct {
	fetcher  Fetcher
	parser   *killmail.Parser
	pipeline *killmail.Pipeline
	baseURL  string
}

// NewZkbFetcher creates a history fetcher.
func NewZkbFetcher(fetcher Fetcher, parser *killmail.Parser, pipeline *killmail.Pipeline, baseURL string) *ZkbFetcher {
	if baseURL == "" {
		baseURL = "https://zkillboard.com/api"
	}
	return &ZkbFetcher{fetcher: fetcher, parser: parser, pipeline: pipeline, baseURL: baseURL}
}

// SystemKillmails fetches up to limit recent killmails for a system that
// occurred within the past window, fully processed. The request runs at
// the priority carried by ctx; references older than the parser cutoff
// are skipped silently.
func (z *ZkbFetcher) SystemKillmails(ctx context.Context, systemID int64, since time.Duration, limit int) ([]*killmail.Killmail, error) {
	if !killmail.ValidSystemID(systemID) {
		return nil, apperr.New(apperr.DomainValidation, "invalid_system", fmt.Sprintf("system id %d out of range", systemID), false)
	}

	refs, err := z.references(ctx, systemID, since)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}

	parsed := make([]*killmail.Killmail, 0, len(refs))
	for _, ref := range refs {
		km, err := z.parser.ParseReference(ctx, ref)
		if err != nil {
			slog.Debug("Skipping unresolvable killmail reference",
				"killmail_id", ref.KillmailID, "error", err)
			continue
		}
		if km == nil {
			continue // stale, dropped by the cutoff
		}
		parsed = append(parsed, km)
	}

	return z.pipeline.ProcessBatch(ctx, parsed), nil
}

// references fetches the raw id+hash list from zKillboard.
func (z *ZkbFetcher) references(ctx context.Context, systemID int64, since time.Duration) ([]killmail.Reference, error) {
	pastSeconds := int(since.Seconds())
	if pastSeconds <= 0 {
		pastSeconds = 3600
	}
	url := fmt.Sprintf("%s/kills/systemID/%d/pastSeconds/%d/", z.baseURL, systemID, pastSeconds)

	body, err := z.fetcher.Get(ctx, "zkb", ratelimit.PriorityFromContext(ctx), url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.DomainZKB, "api_error", "zKillboard request failed", apperr.IsRetryable(err), err)
	}

	var refs []killmail.Reference
	if err := json.Unmarshal(body, &refs); err != nil {
		return nil, apperr.Wrap(apperr.DomainZKB, "bad_response", "failed to decode zKillboard response", false, err)
	}
	return refs, nil
}
