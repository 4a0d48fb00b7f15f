// Package fetch is the upstream HTTP client shared by the ESI resolver,
// the RedisQ ingester and the killboard fetcher. Every request flows
// through the rate limiter (priority chosen by the call site) and the
// coalescer (method+URL key), transport and status failures map onto the
// structured error taxonomy, and retryable failures are retried with
// exponential backoff and jitter.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wanderer-kills/internal/coalesce"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/config"
)

// Service names routed through the rate limiter.
const (
	ServiceESI = "esi"
	ServiceZKB = "zkb"
)

// Limiter is the scheduling dependency; satisfied by ratelimit.Limiter.
type Limiter interface {
	Submit(ctx context.Context, service string, priority ratelimit.Priority, timeout time.Duration, fn ratelimit.Fn) (any, error)
}

// Options configures a Fetcher.
type Options struct {
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ESITimeout  time.Duration
	ZKBTimeout  time.Duration
}

// Fetcher performs upstream GETs with retries, rate limiting and
// request coalescing.
type Fetcher struct {
	httpClient *http.Client
	limiter    Limiter
	coalescer  *coalesce.Coalescer
	opts       Options
}

// New creates a fetcher. The HTTP transport is instrumented with
// OpenTelemetry when telemetry is enabled.
func New(limiter Limiter, coalescer *coalesce.Coalescer, opts Options) *Fetcher {
	var transport http.RoundTripper = http.DefaultTransport
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		transport = otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Host)
			}),
		)
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.ESITimeout <= 0 {
		opts.ESITimeout = 10 * time.Second
	}
	if opts.ZKBTimeout <= 0 {
		opts.ZKBTimeout = 15 * time.Second
	}

	return &Fetcher{
		httpClient: &http.Client{Transport: transport},
		limiter:    limiter,
		coalescer:  coalescer,
		opts:       opts,
	}
}

// timeoutFor returns the per-service request timeout.
func (f *Fetcher) timeoutFor(service string) time.Duration {
	if service == ServiceZKB {
		return f.opts.ZKBTimeout
	}
	return f.opts.ESITimeout
}

// Get fetches url through the named service at the given priority.
// Concurrent identical requests share one upstream call.
func (f *Fetcher) Get(ctx context.Context, service string, priority ratelimit.Priority, url string, headers map[string]string) ([]byte, error) {
	key := coalesce.Key(service, "GET "+url)
	v, err := f.coalescer.Do(ctx, key, func(cctx context.Context) (any, error) {
		return f.getWithRetry(cctx, service, priority, url, headers)
	})
	if err != nil {
		return nil, err
	}
	body, _ := v.([]byte)
	return body, nil
}

// getWithRetry drives the backoff loop around rate-limited submissions.
// Rate-limit (429) responses never surface here: the limiter freezes and
// re-enqueues them internally.
func (f *Fetcher) getWithRetry(ctx context.Context, service string, priority ratelimit.Priority, url string, headers map[string]string) ([]byte, error) {
	timeout := f.timeoutFor(service)

	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoffDelay(attempt)
			slog.Debug("Retrying upstream request",
				"service", service, "url", url, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := f.limiter.Submit(ctx, service, priority, timeout, func(rctx context.Context) (any, error) {
			return f.doRequest(rctx, url, headers)
		})
		if err == nil {
			body, _ := v.([]byte)
			return body, nil
		}

		lastErr = err
		if !apperr.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", f.opts.MaxRetries+1, lastErr)
}

// backoffDelay computes the exponential backoff with jitter for attempt n.
func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	delay := f.opts.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > f.opts.MaxDelay {
		delay = f.opts.MaxDelay
	}
	// Up to 25% jitter keeps retry storms from synchronizing.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// doRequest performs one HTTP GET and maps the outcome onto the error
// taxonomy.
func (f *Fetcher) doRequest(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.DomainHTTP, "bad_response", "failed to create request", false, err)
	}

	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.Wrap(apperr.DomainHTTP, "bad_response", "failed to read response body", false, err)
		}
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.ErrHTTPNotFound
	case resp.StatusCode == http.StatusForbidden:
		return nil, apperr.ErrHTTPForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, rateLimitedError(resp.Header)
	case resp.StatusCode >= 500:
		return nil, apperr.New(apperr.DomainHTTP, "server_error",
			fmt.Sprintf("upstream returned status %d", resp.StatusCode), true)
	default:
		return nil, apperr.New(apperr.DomainHTTP, "bad_response",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), false)
	}
}

// rateLimitedError builds the 429 error carrying the server's Retry-After.
func rateLimitedError(headers http.Header) error {
	e := &apperr.Error{
		Domain:    apperr.DomainHTTP,
		Kind:      "rate_limited",
		Message:   "rate limited by upstream",
		Retryable: true,
	}
	if ra := headers.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// mapTransportError classifies client-side failures.
func mapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.DomainHTTP, "timeout", "request timed out", true, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.DomainHTTP, "timeout", "request timed out", true, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(apperr.DomainHTTP, "connection_failed", "connection failed", true, err)
}
