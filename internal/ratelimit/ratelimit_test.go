package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/clock"
)

func newTestLimiter(cfg ServiceConfig) (*Limiter, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	l := New(clk)
	l.Register("zkb", cfg)
	return l, clk
}

func TestBucketBoundsAcceptedCalls(t *testing.T) {
	l, clk := newTestLimiter(ServiceConfig{
		Capacity:         3,
		RefillPerSecond:  0,
		FailureThreshold: 10,
		Cooldown:         time.Minute,
		MaxQueue:         100,
		QueueTimeout:     time.Minute,
	})
	defer l.Stop()

	var ran atomic.Int64
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Submit(context.Background(), "zkb", PriorityBackground, time.Second, func(ctx context.Context) (any, error) {
				ran.Add(1)
				return nil, nil
			})
		}(i)
	}

	// Three tokens, zero refill: exactly three calls may run. The two
	// stragglers stay queued until the queue timeout expires them.
	require.Eventually(t, func() bool { return ran.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), ran.Load())

	clk.Advance(2 * time.Minute)
	wg.Wait()

	timeouts := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, apperr.ErrQueueTimeout)
			timeouts++
		}
	}
	assert.Equal(t, 2, timeouts)
	assert.Equal(t, int64(3), ran.Load())
}

func TestHigherPriorityPreemptsAtNextToken(t *testing.T) {
	l, clk := newTestLimiter(ServiceConfig{
		Capacity:         1,
		RefillPerSecond:  1,
		FailureThreshold: 10,
		Cooldown:         time.Minute,
		MaxQueue:         100,
		QueueTimeout:     time.Minute,
	})
	defer l.Stop()

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Consumes the only token and holds until released.
		l.Submit(context.Background(), "zkb", PriorityRealtime, 5*time.Second, func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		})
	}()

	var order []string
	var orderMu sync.Mutex
	record := func(tag string) {
		orderMu.Lock()
		order = append(order, tag)
		orderMu.Unlock()
	}

	// Queue a background request first, then a realtime one.
	started := make(chan struct{}, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.Submit(context.Background(), "zkb", PriorityBackground, 5*time.Second, func(ctx context.Context) (any, error) {
			record("background")
			started <- struct{}{}
			return nil, nil
		})
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		l.Submit(context.Background(), "zkb", PriorityRealtime, 5*time.Second, func(ctx context.Context) (any, error) {
			record("realtime")
			started <- struct{}{}
			return nil, nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	// One token refills: the realtime request must win it.
	clk.Advance(time.Second)
	<-started
	clk.Advance(time.Second)
	<-started
	close(block)
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, "realtime", order[0])
	assert.Equal(t, "background", order[1])
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	l, clk := newTestLimiter(ServiceConfig{
		Capacity:          100,
		RefillPerSecond:   100,
		FailureThreshold:  10,
		Cooldown:          60 * time.Second,
		HalfOpenSuccesses: 1,
		MaxQueue:          100,
		QueueTimeout:      time.Minute,
	})
	defer l.Stop()

	upstreamErr := apperr.New(apperr.DomainHTTP, "server_error", "boom", true)
	var calls atomic.Int64
	failing := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, upstreamErr
	}

	for i := 0; i < 10; i++ {
		_, err := l.Submit(context.Background(), "zkb", PriorityRealtime, time.Second, failing)
		require.ErrorIs(t, err, upstreamErr)
	}
	require.Equal(t, int64(10), calls.Load())

	// Give the scheduler a beat to process the final completion.
	require.Eventually(t, func() bool {
		for _, s := range l.Stats() {
			if s.Service == "zkb" && s.CircuitState == CircuitOpen {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// Eleventh request fails fast without touching the upstream.
	_, err := l.Submit(context.Background(), "zkb", PriorityRealtime, time.Second, failing)
	require.ErrorIs(t, err, apperr.ErrCircuitOpen)
	assert.Equal(t, int64(10), calls.Load())

	// After the cooldown the half-open probe succeeds and the breaker
	// closes with a reset failure count.
	clk.Advance(61 * time.Second)
	v, err := l.Submit(context.Background(), "zkb", PriorityRealtime, time.Second, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	// A single failure after recovery must not re-open the breaker.
	_, err = l.Submit(context.Background(), "zkb", PriorityRealtime, time.Second, failing)
	require.ErrorIs(t, err, upstreamErr)

	_, err = l.Submit(context.Background(), "zkb", PriorityRealtime, time.Second, func(ctx context.Context) (any, error) {
		return "still up", nil
	})
	require.NoError(t, err)
}

func TestRateLimitedFreezesAndRequeues(t *testing.T) {
	l, clk := newTestLimiter(ServiceConfig{
		Capacity:         10,
		RefillPerSecond:  10,
		FailureThreshold: 10,
		Cooldown:         time.Minute,
		MaxQueue:         100,
		QueueTimeout:     time.Minute,
	})
	defer l.Stop()

	var attempts atomic.Int64
	rlErr := &apperr.Error{
		Domain: apperr.DomainHTTP, Kind: "rate_limited",
		Retryable: true, RetryAfter: 10 * time.Second,
	}

	go func() {
		// Let the freeze take hold, then advance past the server-indicated
		// retry interval.
		time.Sleep(100 * time.Millisecond)
		clk.Advance(11 * time.Second)
	}()

	v, err := l.Submit(context.Background(), "zkb", PriorityBackground, time.Second, func(ctx context.Context) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, rlErr
		}
		return "second try", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second try", v)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestUnknownService(t *testing.T) {
	l, _ := newTestLimiter(ServiceConfig{Capacity: 1, MaxQueue: 1, QueueTimeout: time.Second, FailureThreshold: 1, Cooldown: time.Second})
	defer l.Stop()

	_, err := l.Submit(context.Background(), "nope", PriorityRealtime, time.Second, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
}
