// Package webhook delivers killmail payloads to subscriber callback
// URLs with a slow retry schedule and automatic disable of endpoints
// that keep failing.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/config"
)

// DetailedKillUpdate is the primary webhook payload.
type DetailedKillUpdate struct {
	Type          string               `json:"type"`
	SolarSystemID int64                `json:"solar_system_id"`
	Kills         []*killmail.Killmail `json:"kills"`
	Timestamp     time.Time            `json:"timestamp"`
}

// KillCountUpdate is the companion count payload.
type KillCountUpdate struct {
	Type          string    `json:"type"`
	SolarSystemID int64     `json:"solar_system_id"`
	Count         int       `json:"count"`
	Timestamp     time.Time `json:"timestamp"`
}

// DisableFunc is called when an endpoint exhausts its failure budget.
type DisableFunc func(subID string)

// Options configures the notifier.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Schedule is the wait before each retry attempt. Tests shrink it.
	Schedule []time.Duration
	// MaxFailures is how many consecutive failed deliveries disable a
	// subscription.
	MaxFailures int
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if len(o.Schedule) == 0 {
		o.Schedule = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
}

// Notifier posts JSON payloads to callback URLs. Transient failures are
// retried on the schedule in a background task so subscription workers
// never wait on a webhook; a subscription whose deliveries keep failing
// is disabled through the DisableFunc.
type Notifier struct {
	client  *http.Client
	opts    Options
	disable DisableFunc

	mu       sync.Mutex
	failures map[string]int

	sent     atomic.Int64
	retried  atomic.Int64
	failed   atomic.Int64
	disabled atomic.Int64

	wg sync.WaitGroup
}

// New creates a notifier. disable may be nil.
func New(opts Options, disable DisableFunc) *Notifier {
	opts.defaults()

	transport := http.DefaultTransport
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		transport = otelhttp.NewTransport(transport)
	}
	return &Notifier{
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:     opts,
		disable:  disable,
		failures: make(map[string]int),
	}
}

// Notify posts payload to callbackURL. The first attempt runs inline;
// transient failures hand off to a background retry task and Notify
// returns nil. A terminal (non-retryable) response fails immediately.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, payload any, subID string) error {
	if callbackURL == "" {
		return apperr.New(apperr.DomainValidation, "invalid_parameter", "callback URL is empty", false)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	err = n.post(ctx, callbackURL, body)
	if err == nil {
		n.recordSuccess(subID)
		return nil
	}
	if !apperr.IsRetryable(err) {
		n.recordFailure(subID, callbackURL, err)
		return err
	}

	n.retried.Add(1)
	n.wg.Add(1)
	go n.retryLoop(callbackURL, body, subID)
	return nil
}

// retryLoop walks the schedule until one attempt succeeds or the
// schedule is exhausted.
func (n *Notifier) retryLoop(callbackURL string, body []byte, subID string) {
	defer n.wg.Done()

	for attempt, wait := range n.opts.Schedule {
		time.Sleep(wait)

		ctx, cancel := context.WithTimeout(context.Background(), n.opts.Timeout)
		err := n.post(ctx, callbackURL, body)
		cancel()
		if err == nil {
			n.recordSuccess(subID)
			return
		}
		slog.Warn("Webhook retry failed",
			"subscription_id", subID, "attempt", attempt+1, "error", err)
		if !apperr.IsRetryable(err) {
			break
		}
	}
	n.recordFailure(subID, callbackURL, nil)
}

// post performs one delivery attempt.
func (n *Notifier) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.DomainHTTP, "bad_response", "failed to build webhook request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.opts.UserAgent != "" {
		req.Header.Set("User-Agent", n.opts.UserAgent)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.DomainHTTP, "connection_failed", "webhook request failed", true, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		n.sent.Add(1)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.New(apperr.DomainHTTP, "server_error",
			fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode), true)
	default:
		return apperr.New(apperr.DomainHTTP, "bad_response",
			fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode), false)
	}
}

func (n *Notifier) recordSuccess(subID string) {
	n.mu.Lock()
	delete(n.failures, subID)
	n.mu.Unlock()
}

func (n *Notifier) recordFailure(subID, callbackURL string, err error) {
	n.failed.Add(1)

	n.mu.Lock()
	n.failures[subID]++
	count := n.failures[subID]
	n.mu.Unlock()

	slog.Warn("Webhook delivery failed",
		"subscription_id", subID, "url", callbackURL, "consecutive_failures", count, "error", err)

	if count >= n.opts.MaxFailures {
		n.disabled.Add(1)
		slog.Error("Disabling subscription after repeated webhook failures",
			"subscription_id", subID, "failures", count,
			"error", apperr.New(apperr.DomainSubscription, "webhook_disabled", "webhook endpoint disabled", false))
		if n.disable != nil {
			n.disable(subID)
		}
	}
}

// Wait blocks until background retries finish. Used in shutdown and tests.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Stats reports delivery counters.
type Stats struct {
	Sent     int64 `json:"sent"`
	Retried  int64 `json:"retried"`
	Failed   int64 `json:"failed"`
	Disabled int64 `json:"disabled"`
}

// Stats returns a snapshot.
func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:     n.sent.Load(),
		Retried:  n.retried.Load(),
		Failed:   n.failed.Load(),
		Disabled: n.disabled.Load(),
	}
}

// DeliverFunc adapts the notifier into the subscription fan-out: matched
// killmails become one detailed_kill_update per system plus a
// kill_count_update, posted to the subscription's callback URL.
func (n *Notifier) DeliverFunc(st *store.EventStore) subscription.DeliverFunc {
	return func(sub *subscription.Subscription, kms []*killmail.Killmail) {
		perSystem := make(map[int64][]*killmail.Killmail)
		for _, km := range kms {
			perSystem[km.SystemID] = append(perSystem[km.SystemID], km)
		}

		now := time.Now().UTC()
		for systemID, kills := range perSystem {
			detail := DetailedKillUpdate{
				Type:          "detailed_kill_update",
				SolarSystemID: systemID,
				Kills:         kills,
				Timestamp:     now,
			}
			if err := n.Notify(context.Background(), sub.WebhookURL, detail, sub.ID); err != nil {
				continue
			}
			count := KillCountUpdate{
				Type:          "kill_count_update",
				SolarSystemID: systemID,
				Count:         st.Count(systemID),
				Timestamp:     now,
			}
			n.Notify(context.Background(), sub.WebhookURL, count, sub.ID)
		}
	}
}
