// Package coalesce deduplicates concurrent identical upstream requests.
// Callers sharing a (service, fingerprint) key while a leader is in flight
// wait for the leader's result instead of issuing their own call. A leader
// stalled past the coalesce timeout is abandoned so the next caller can
// retry.
package coalesce

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"wanderer-kills/pkg/apperr"
)

// Fn is the underlying call a leader performs.
type Fn func(ctx context.Context) (any, error)

// Stats counts coalescer activity.
type Stats struct {
	Leaders   int64 `json:"leaders"`
	Shared    int64 `json:"shared"`
	Abandoned int64 `json:"abandoned"`
}

// Coalescer shares in-flight results between identical requests.
type Coalescer struct {
	group   singleflight.Group
	timeout time.Duration

	leaders   atomic.Int64
	shared    atomic.Int64
	abandoned atomic.Int64
}

// New creates a coalescer with the given leader timeout.
func New(timeout time.Duration) *Coalescer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coalescer{timeout: timeout}
}

// Key builds the canonical coalescing key.
func Key(service, fingerprint string) string {
	return service + "|" + fingerprint
}

// Do runs fn under the key, sharing the result with every concurrent
// caller for the same key. At most one underlying call runs per key at a
// time.
func (c *Coalescer) Do(ctx context.Context, key string, fn Fn) (any, error) {
	resCh := c.group.DoChan(key, func() (any, error) {
		c.leaders.Add(1)
		lctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return fn(lctx)
	})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val, res.Err
	case <-timer.C:
		// Abandon the stalled leader; the next caller becomes a fresh one.
		c.group.Forget(key)
		c.abandoned.Add(1)
		return nil, apperr.Wrap(apperr.DomainHTTP, "timeout", "coalesced call stalled", true, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of coalescer counters.
func (c *Coalescer) Stats() Stats {
	return Stats{
		Leaders:   c.leaders.Load(),
		Shared:    c.shared.Load(),
		Abandoned: c.abandoned.Load(),
	}
}
