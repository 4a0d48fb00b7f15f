// Package ratelimit schedules upstream requests through a per-service
// token bucket guarded by a circuit breaker. Requests wait in a four-level
// priority queue; one scheduler goroutine per service refills tokens,
// gates dequeue on the circuit state and runs dequeued work
// asynchronously. Within one priority level submission order is preserved;
// higher priorities preempt at the next token.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/clock"
)

// Priority orders queued requests. Lower values win.
type Priority int

const (
	PriorityRealtime   Priority = 1
	PriorityPreload    Priority = 2
	PriorityBackground Priority = 3
	PriorityBulk       Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityRealtime:
		return "realtime"
	case PriorityPreload:
		return "preload"
	case PriorityBackground:
		return "background"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// CircuitState is the breaker state for one service.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ServiceConfig holds bucket, circuit and queue settings for one upstream.
type ServiceConfig struct {
	Capacity          float64
	RefillPerSecond   float64
	FailureThreshold  int
	Cooldown          time.Duration
	HalfOpenSuccesses int
	MaxQueue          int
	QueueTimeout      time.Duration
}

// Fn is a unit of work gated by the limiter.
type Fn func(ctx context.Context) (any, error)

type request struct {
	priority   Priority
	fn         Fn
	timeout    time.Duration
	enqueuedAt time.Time
	resultCh   chan result
}

type result struct {
	value any
	err   error
}

type completion struct {
	req         *request
	err         error
	rateLimited bool
	retryAfter  time.Duration
}

// priorityQueue is four FIFO levels.
type priorityQueue struct {
	levels [4][]*request
	size   int
}

func (q *priorityQueue) push(r *request) {
	idx := int(r.priority) - 1
	q.levels[idx] = append(q.levels[idx], r)
	q.size++
}

func (q *priorityQueue) pushFront(r *request) {
	idx := int(r.priority) - 1
	q.levels[idx] = append([]*request{r}, q.levels[idx]...)
	q.size++
}

func (q *priorityQueue) pop() *request {
	for i := range q.levels {
		if len(q.levels[i]) > 0 {
			r := q.levels[i][0]
			q.levels[i] = q.levels[i][1:]
			q.size--
			return r
		}
	}
	return nil
}

// expire fails every queued request older than the queue timeout.
func (q *priorityQueue) expire(now time.Time, timeout time.Duration) int {
	expired := 0
	for i := range q.levels {
		kept := q.levels[i][:0]
		for _, r := range q.levels[i] {
			if now.Sub(r.enqueuedAt) >= timeout {
				r.resultCh <- result{err: apperr.ErrQueueTimeout}
				q.size--
				expired++
				continue
			}
			kept = append(kept, r)
		}
		q.levels[i] = kept
	}
	return expired
}

// service is one scheduled upstream with its own goroutine.
type service struct {
	name string
	cfg  ServiceConfig
	clk  clock.Clock

	submitCh     chan *request
	completionCh chan completion

	// Scheduler-owned state; only the run loop touches these.
	tokens            float64
	lastRefill        time.Time
	circuitState      CircuitState
	failureCount      int
	halfOpenSuccesses int
	halfOpenInFlight  int
	openedAt          time.Time
	frozenUntil       time.Time
	queue             priorityQueue

	mu       sync.RWMutex
	snapshot ServiceStats
}

// ServiceStats is a point-in-time view of one service's scheduler.
type ServiceStats struct {
	Service      string       `json:"service"`
	QueueDepth   int          `json:"queue_depth"`
	Tokens       float64      `json:"tokens"`
	CircuitState CircuitState `json:"-"`
	Circuit      string       `json:"circuit"`
	FailureCount int          `json:"failure_count"`
}

// Limiter owns the per-service schedulers.
type Limiter struct {
	mu       sync.RWMutex
	services map[string]*service
	clk      clock.Clock
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a limiter; services are registered before Start.
func New(clk clock.Clock) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		services: make(map[string]*service),
		clk:      clk,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a service and starts its scheduler goroutine.
func (l *Limiter) Register(name string, cfg ServiceConfig) {
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	s := &service{
		name:         name,
		cfg:          cfg,
		clk:          l.clk,
		submitCh:     make(chan *request),
		completionCh: make(chan completion, 64),
		tokens:       cfg.Capacity,
		lastRefill:   l.clk.Now(),
	}

	l.mu.Lock()
	l.services[name] = s
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		s.run(l.ctx)
	}()
}

// Stop shuts down every scheduler, failing queued requests.
func (l *Limiter) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Submit runs fn through the named service's scheduler at the given
// priority and waits for its result. timeout bounds fn's execution once
// dispatched; waiting in queue is bounded by the service queue timeout.
func (l *Limiter) Submit(ctx context.Context, serviceName string, priority Priority, timeout time.Duration, fn Fn) (any, error) {
	l.mu.RLock()
	s, ok := l.services[serviceName]
	l.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.DomainRateLimit, "unknown_service", serviceName, false)
	}

	req := &request{
		priority:   priority,
		fn:         fn,
		timeout:    timeout,
		enqueuedAt: l.clk.Now(),
		resultCh:   make(chan result, 1),
	}

	select {
	case s.submitCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, apperr.New(apperr.DomainRateLimit, "shutdown", "limiter stopped", false)
	}

	select {
	case res := <-req.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot for every registered service.
func (l *Limiter) Stats() []ServiceStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ServiceStats, 0, len(l.services))
	for _, s := range l.services {
		s.mu.RLock()
		out = append(out, s.snapshot)
		s.mu.RUnlock()
	}
	return out
}

// run is the scheduler loop. All bucket, circuit and queue mutation
// happens here.
func (s *service) run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case req := <-s.submitCh:
			if s.queue.size >= s.cfg.MaxQueue {
				req.resultCh <- result{err: apperr.New(apperr.DomainRateLimit, "queue_full", s.name, true)}
			} else {
				s.queue.push(req)
			}
		case c := <-s.completionCh:
			s.handleCompletion(c)
		case <-ticker.C:
		}
		s.dispatch(ctx)
		s.publishStats()
	}
}

func (s *service) drain() {
	for {
		req := s.queue.pop()
		if req == nil {
			return
		}
		req.resultCh <- result{err: apperr.New(apperr.DomainRateLimit, "shutdown", s.name, false)}
	}
}

func (s *service) refill(now time.Time) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	s.tokens = min(s.cfg.Capacity, s.tokens+elapsed*s.cfg.RefillPerSecond)
	s.lastRefill = now
}

func (s *service) dispatch(ctx context.Context) {
	now := s.clk.Now()
	s.refill(now)
	s.queue.expire(now, s.cfg.QueueTimeout)

	// Rate-limit freeze from an upstream 429 gates everything.
	if now.Before(s.frozenUntil) {
		return
	}

	for s.tokens >= 1 {
		req := s.queue.pop()
		if req == nil {
			return
		}

		switch s.circuitState {
		case CircuitOpen:
			if now.Sub(s.openedAt) >= s.cfg.Cooldown {
				s.circuitState = CircuitHalfOpen
				s.halfOpenSuccesses = 0
				s.halfOpenInFlight = 0
				slog.Info("Circuit half-open", "service", s.name)
			} else {
				req.resultCh <- result{err: apperr.ErrCircuitOpen}
				continue
			}
		case CircuitHalfOpen:
			// One probe at a time while half-open.
			if s.halfOpenInFlight >= 1 {
				s.queue.pushFront(req)
				return
			}
		}

		s.tokens--
		if s.circuitState == CircuitHalfOpen {
			s.halfOpenInFlight++
		}
		go s.execute(ctx, req)
	}
}

func (s *service) execute(ctx context.Context, req *request) {
	runCtx := ctx
	var cancel context.CancelFunc
	if req.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}

	value, err := req.fn(runCtx)

	c := completion{req: req, err: err}
	if err != nil && apperr.KindOf(err) == "http:rate_limited" {
		c.rateLimited = true
		c.retryAfter = apperr.RetryAfterOf(err)
	}

	if err == nil || c.rateLimited {
		// Rate-limited requests are re-enqueued by the scheduler; only
		// terminal outcomes resolve the caller here.
		if err == nil {
			req.resultCh <- result{value: value}
		}
	} else {
		req.resultCh <- result{err: err}
	}

	select {
	case s.completionCh <- c:
	case <-ctx.Done():
	}
}

func (s *service) handleCompletion(c completion) {
	if s.circuitState == CircuitHalfOpen && s.halfOpenInFlight > 0 {
		s.halfOpenInFlight--
	}

	switch {
	case c.rateLimited:
		retryAfter := c.retryAfter
		if retryAfter <= 0 {
			retryAfter = 5 * time.Second
		}
		s.frozenUntil = s.clk.Now().Add(retryAfter)
		// Back at the same priority, FIFO order.
		c.req.enqueuedAt = s.clk.Now()
		s.queue.push(c.req)
		slog.Warn("Upstream rate limited, freezing submissions",
			"service", s.name, "retry_after", retryAfter)

	case c.err != nil:
		s.failureCount++
		if s.circuitState == CircuitHalfOpen {
			s.openCircuit()
		} else if s.circuitState == CircuitClosed && s.failureCount >= s.cfg.FailureThreshold {
			s.openCircuit()
		}

	default:
		s.failureCount = 0
		if s.circuitState == CircuitHalfOpen {
			s.halfOpenSuccesses++
			if s.halfOpenSuccesses >= s.cfg.HalfOpenSuccesses {
				s.circuitState = CircuitClosed
				slog.Info("Circuit closed", "service", s.name)
			}
		}
	}
}

func (s *service) openCircuit() {
	s.circuitState = CircuitOpen
	s.openedAt = s.clk.Now()
	s.halfOpenSuccesses = 0
	s.halfOpenInFlight = 0
	slog.Warn("Circuit opened", "service", s.name, "failures", s.failureCount)
}

func (s *service) publishStats() {
	s.mu.Lock()
	s.snapshot = ServiceStats{
		Service:      s.name,
		QueueDepth:   s.queue.size,
		Tokens:       s.tokens,
		CircuitState: s.circuitState,
		Circuit:      s.circuitState.String(),
		FailureCount: s.failureCount,
	}
	s.mu.Unlock()
}
