package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/coalesce"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/pkg/apperr"
)

// passLimiter runs submissions inline; limiter behavior has its own tests.
type passLimiter struct{}

func (passLimiter) Submit(ctx context.Context, service string, priority ratelimit.Priority, timeout time.Duration, fn ratelimit.Fn) (any, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(rctx)
}

func newTestFetcher(opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "wanderer-kills-test/1.0"
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	return New(passLimiter{}, coalesce.New(5*time.Second), opts)
}

func TestGetReturnsBody(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	body, err := f.Get(context.Background(), ServiceESI, ratelimit.PriorityRealtime, srv.URL, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "wanderer-kills-test/1.0", gotUA.Load())
}

func TestNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 3})
	_, err := f.Get(context.Background(), ServiceESI, ratelimit.PriorityRealtime, srv.URL, nil)
	require.ErrorIs(t, err, apperr.ErrHTTPNotFound)
	assert.Equal(t, int64(1), calls.Load(), "not_found must not be retried")
}

func TestForbiddenIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	_, err := f.Get(context.Background(), ServiceESI, ratelimit.PriorityRealtime, srv.URL, nil)
	assert.ErrorIs(t, err, apperr.ErrHTTPForbidden)
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 3})
	body, err := f.Get(context.Background(), ServiceZKB, ratelimit.PriorityBackground, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
	assert.Equal(t, int64(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 2})
	_, err := f.Get(context.Background(), ServiceESI, ratelimit.PriorityRealtime, srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrHTTPServerError)
	assert.Equal(t, int64(3), calls.Load(), "initial attempt plus two retries")
}

func TestConnectionFailure(t *testing.T) {
	f := newTestFetcher(Options{MaxRetries: 0})
	_, err := f.Get(context.Background(), ServiceESI, ratelimit.PriorityRealtime, "http://127.0.0.1:1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrHTTPConnection)
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"character_id":42}`))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})

	const n = 100
	var wg sync.WaitGroup
	bodies := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i], errs[i] = f.Get(context.Background(), ServiceESI, ratelimit.PriorityRealtime, srv.URL+"/characters/42", nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "identical concurrent requests must share one upstream call")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, `{"character_id":42}`, string(bodies[i]))
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRetries: 0})
	_, err := f.Get(context.Background(), ServiceZKB, ratelimit.PriorityBackground, srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrHTTPRateLimited)
	assert.Equal(t, 7*time.Second, apperr.RetryAfterOf(err))
}
