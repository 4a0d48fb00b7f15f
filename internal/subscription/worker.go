package subscription

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/pkg/clock"
)

// DeliverFunc pushes matched killmails to one subscriber. Implementations
// belong to the transport (websocket channel, webhook notifier) and may
// block; the worker absorbs that so the pipeline never does.
type DeliverFunc func(sub *Subscription, kms []*killmail.Killmail)

const (
	defaultQueueSize = 1000
	maxRestarts      = 5
	restartWindow    = 30 * time.Second
)

// worker owns the delivery goroutine for one subscription. Its inbound
// channel is bounded; batches that do not fit are dropped and counted
// rather than blocking the pipeline.
type worker struct {
	sub     *Subscription
	deliver DeliverFunc
	inbox   chan []*killmail.Killmail
	clk     clock.Clock

	delivered atomic.Int64
	dropped   atomic.Int64

	mu       sync.Mutex
	restarts []time.Time
	dead     bool
	closed   bool
	done     chan struct{}
}

func newWorker(sub *Subscription, deliver DeliverFunc, queueSize int, clk clock.Clock) *worker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &worker{
		sub:     sub,
		deliver: deliver,
		inbox:   make(chan []*killmail.Killmail, queueSize),
		clk:     clk,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue hands a batch to the worker without blocking. Returns false
// when the inbox is full or the worker is gone.
func (w *worker) enqueue(kms []*killmail.Killmail) bool {
	w.mu.Lock()
	if w.closed || w.dead {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	select {
	case w.inbox <- kms:
		return true
	default:
		w.dropped.Add(1)
		slog.Warn("Subscription inbox full, dropping batch",
			"subscription_id", w.sub.ID, "batch", len(kms))
		return false
	}
}

// stop closes the inbox and waits for the goroutine to drain.
func (w *worker) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.inbox)
	w.mu.Unlock()
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		if !w.loop() {
			return
		}
		// loop returned after a panic; decide whether to restart.
		w.mu.Lock()
		now := w.clk.Now()
		recent := w.restarts[:0]
		for _, t := range w.restarts {
			if now.Sub(t) < restartWindow {
				recent = append(recent, t)
			}
		}
		w.restarts = append(recent, now)
		if len(w.restarts) > maxRestarts {
			w.dead = true
			w.mu.Unlock()
			slog.Error("Subscription worker exceeded restart budget, stopping",
				"subscription_id", w.sub.ID, "restarts", maxRestarts, "window", restartWindow)
			return
		}
		w.mu.Unlock()
		slog.Warn("Subscription worker restarted after panic", "subscription_id", w.sub.ID)
	}
}

// loop drains the inbox until it closes (returns false) or a delivery
// panics (returns true, caller restarts).
func (w *worker) loop() (restart bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subscription delivery panicked",
				"subscription_id", w.sub.ID, "panic", r)
			restart = true
		}
	}()
	for kms := range w.inbox {
		w.deliver(w.sub, kms)
		w.delivered.Add(1)
	}
	return false
}

// alive reports whether the worker still accepts batches.
func (w *worker) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead && !w.closed
}

// WorkerStats is the per-worker slice of the manager's stats payload.
type WorkerStats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
	Dead      bool  `json:"dead"`
}

func (w *worker) stats() WorkerStats {
	w.mu.Lock()
	dead := w.dead
	w.mu.Unlock()
	return WorkerStats{
		Delivered: w.delivered.Load(),
		Dropped:   w.dropped.Load(),
		Queued:    len(w.inbox),
		Dead:      dead,
	}
}
