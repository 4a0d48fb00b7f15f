// Package ingest feeds the killmail pipeline from the outside world: a
// RedisQ long-poll consumer for the real-time stream and a zKillboard
// history fetcher for on-demand backfill.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/config"
)

// RedisQStats counts poller outcomes.
type RedisQStats struct {
	Polls    atomic.Int64
	Packages atomic.Int64
	Empties  atomic.Int64
	Errors   atomic.Int64

	mu          sync.Mutex
	lastPackage time.Time
	state       string
}

// RedisQSnapshot is a point-in-time copy for the status endpoint.
type RedisQSnapshot struct {
	Polls       int64      `json:"polls"`
	Packages    int64      `json:"packages"`
	Empties     int64      `json:"empties"`
	Errors      int64      `json:"errors"`
	LastPackage *time.Time `json:"last_package,omitempty"`
	State       string     `json:"state"`
}

// RedisQOptions configures the poller.
type RedisQOptions struct {
	URL            string
	UserAgent      string
	PollTimeout    time.Duration
	FastInterval   time.Duration
	IdleInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	EmptyThreshold int
}

func (o *RedisQOptions) defaults() {
	if o.URL == "" {
		o.URL = "https://zkillredisq.stream/listen.php"
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.FastInterval <= 0 {
		o.FastInterval = time.Second
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = 5 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	if o.EmptyThreshold <= 0 {
		o.EmptyThreshold = 5
	}
}

// RedisQIngester long-polls the RedisQ stream and drives every received
// package through the pipeline. Pacing adapts to the stream: active
// polls chain quickly, a quiet stream slows to the idle interval, and
// upstream errors back off exponentially.
type RedisQIngester struct {
	parser   *killmail.Parser
	pipeline *killmail.Pipeline
	client   *http.Client
	opts     RedisQOptions
	queueID  string

	stats  RedisQStats
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRedisQIngester creates a stopped ingester. Each process gets its
// own queue id so RedisQ tracks our cursor independently.
func NewRedisQIngester(parser *killmail.Parser, pipeline *killmail.Pipeline, opts RedisQOptions) *RedisQIngester {
	opts.defaults()

	transport := http.DefaultTransport
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		transport = otelhttp.NewTransport(transport)
	}
	return &RedisQIngester{
		parser:   parser,
		pipeline: pipeline,
		client: &http.Client{
			// The server holds the connection for up to the poll
			// timeout before answering; allow for that plus transit.
			Timeout:   opts.PollTimeout + 5*time.Second,
			Transport: transport,
		},
		opts:    opts,
		queueID: "wanderer-kills-" + uuid.NewString(),
	}
}

// Start launches the poll loop. Safe to call once.
func (r *RedisQIngester) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)
	slog.Info("RedisQ ingester started", "url", r.opts.URL, "queue_id", r.queueID)
}

// Stop cancels the loop and waits for the in-flight poll to finish.
func (r *RedisQIngester) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	slog.Info("RedisQ ingester stopped")
}

func (r *RedisQIngester) run(ctx context.Context) {
	defer r.wg.Done()

	backoff := r.opts.InitialBackoff
	emptyStreak := 0

	for {
		delay, gotPackage, err := r.pollOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.stats.Errors.Add(1)
			r.setState("backoff")
			slog.Warn("RedisQ poll failed", "error", err, "backoff", backoff)
			delay = backoff
			backoff = time.Duration(float64(backoff) * r.opts.BackoffFactor)
			if backoff > r.opts.MaxBackoff {
				backoff = r.opts.MaxBackoff
			}
		case gotPackage:
			backoff = r.opts.InitialBackoff
			emptyStreak = 0
			r.setState("active")
			delay = r.opts.FastInterval
		default:
			backoff = r.opts.InitialBackoff
			emptyStreak++
			if emptyStreak >= r.opts.EmptyThreshold {
				r.setState("idle")
				delay = r.opts.IdleInterval
			} else {
				delay = r.opts.FastInterval
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// pollOnce performs a single long-poll and processes the result.
func (r *RedisQIngester) pollOnce(ctx context.Context) (delay time.Duration, gotPackage bool, err error) {
	r.stats.Polls.Add(1)

	url := fmt.Sprintf("%s?queueID=%s&ttw=%d", r.opts.URL, r.queueID, int(r.opts.PollTimeout.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.DomainRedisQ, "poll_error", "failed to build poll request", false, err)
	}
	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.DomainRedisQ, "poll_error", "RedisQ request failed", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, false, apperr.New(apperr.DomainRedisQ, "poll_error",
			fmt.Sprintf("RedisQ returned status %d", resp.StatusCode), resp.StatusCode >= 500 || resp.StatusCode == 429)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, false, apperr.Wrap(apperr.DomainRedisQ, "poll_error", "failed to read poll body", true, err)
	}

	km, err := r.parser.ParseRedisQ(ctx, body)
	if err != nil {
		// A malformed package is dropped, not retried; the stream moves on.
		slog.Warn("Dropping unparseable RedisQ package", "error", err)
		r.stats.Errors.Add(1)
		return r.opts.FastInterval, false, nil
	}
	if km == nil {
		r.stats.Empties.Add(1)
		return 0, false, nil
	}

	r.stats.Packages.Add(1)
	r.stats.mu.Lock()
	r.stats.lastPackage = time.Now()
	r.stats.mu.Unlock()

	pctx := ratelimit.WithPriority(ctx, ratelimit.PriorityRealtime)
	if _, err := r.pipeline.Process(pctx, km); err != nil {
		slog.Warn("Killmail processing failed", "killmail_id", km.KillmailID, "error", err)
	}
	return 0, true, nil
}

func (r *RedisQIngester) setState(s string) {
	r.stats.mu.Lock()
	r.stats.state = s
	r.stats.mu.Unlock()
}

// Stats returns a snapshot of the poller counters.
func (r *RedisQIngester) Stats() RedisQSnapshot {
	snap := RedisQSnapshot{
		Polls:    r.stats.Polls.Load(),
		Packages: r.stats.Packages.Load(),
		Empties:  r.stats.Empties.Load(),
		Errors:   r.stats.Errors.Load(),
	}
	r.stats.mu.Lock()
	if !r.stats.lastPackage.IsZero() {
		t := r.stats.lastPackage
		snap.LastPackage = &t
	}
	snap.State = r.stats.state
	r.stats.mu.Unlock()
	if snap.State == "" {
		snap.State = "stopped"
	}
	return snap
}
