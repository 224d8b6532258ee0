// manager.go
//
// This file implements the tool-request lifecycle manager: admission
// control, cache lookup, priority queueing, single-slot async dispatch, and
// result reconciliation. One Manager serves one agent instance; many
// managers may run independently with no shared state.
//
// Exported:
//   - Manager
//   - NewManager
//   - Submit, Cancel, Metrics, ClearCache, Subscribe, Close

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolagent/events"
	"toolagent/logger"
)

// Default admission and cache policy, overridable via options.
const (
	DefaultRateLimitMax    = 10
	DefaultRateLimitWindow = 60 * time.Second
	DefaultCacheTTL        = 5 * time.Minute
)

// Manager orchestrates the request lifecycle for a single agent instance.
//
// All state (limiter, cache, queue, slot, metrics) is owned exclusively by
// this manager and mutated under one lock, strictly in response to
// sequential events: submit, dispatch, complete. Execution itself runs off
// the caller's goroutine; at most one invocation is in flight at a time.
type Manager struct {
	mu      sync.Mutex
	limiter *RateLimiter
	cache   *ResultCache
	queue   *RequestQueue
	active  *Request
	stats   metrics
	closed  bool

	invoker  ToolInvoker
	validate ValidateFunc
	emitter  *events.Emitter
	logger   logger.Logger
	now      func() time.Time
	cacheTTL time.Duration

	// ctx bounds dispatched invocations; Submit's context only covers the
	// submission call itself, which returns immediately.
	ctx context.Context
	wg  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		m.logger = log
	}
}

// WithEmitter sets the event emitter the manager publishes notifications to.
func WithEmitter(emitter *events.Emitter) Option {
	return func(m *Manager) {
		m.emitter = emitter
	}
}

// WithRateLimit sets the sliding-window admission policy.
func WithRateLimit(max int, window time.Duration) Option {
	return func(m *Manager) {
		m.limiter = NewRateLimiter(max, window)
	}
}

// WithCacheTTL sets the result cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.cacheTTL = ttl
	}
}

// WithCache replaces the result cache, e.g. with a persistent one.
func WithCache(cache *ResultCache) Option {
	return func(m *Manager) {
		m.cache = cache
	}
}

// WithValidator sets the optional pre-invocation validation hook.
func WithValidator(fn ValidateFunc) Option {
	return func(m *Manager) {
		m.validate = fn
	}
}

// WithClock overrides the time source. All window and TTL arithmetic goes
// through this clock; tests inject a fake one.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lifecycle manager around the given invoker. The
// context bounds all invocations dispatched by this manager.
func NewManager(ctx context.Context, invoker ToolInvoker, options ...Option) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	m := &Manager{
		queue:   NewRequestQueue(),
		invoker: invoker,
		emitter: events.NewEmitter(),
		logger:  logger.NewNoop(),
		now:     time.Now,
		ctx:     ctx,
	}
	for _, option := range options {
		option(m)
	}
	if m.limiter == nil {
		m.limiter = NewRateLimiter(DefaultRateLimitMax, DefaultRateLimitWindow)
	}
	if m.cache == nil {
		ttl := m.cacheTTL
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		m.cache = NewResultCache(ttl, m.logger)
	}
	return m
}

// Subscribe registers an observer for all notifications this manager emits.
func (m *Manager) Subscribe(observer events.Observer) {
	m.emitter.AddObserver(observer)
}

// Emitter returns the manager's event emitter.
func (m *Manager) Emitter() *events.Emitter {
	return m.emitter
}

// Submit admits a unit of work and returns its request id. The call returns
// immediately after the enqueue/dispatch attempt; the outcome arrives later
// as exactly one terminal notification on the emitter.
//
// A rate-limit denial returns the request id together with a
// *RateLimitedError carrying the retry hint; the request is terminal and
// the caller may resubmit after RetryAfter.
func (m *Manager) Submit(toolID string, params map[string]interface{}, priority Priority) (string, error) {
	id := uuid.NewString()
	var pending []*events.Event

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	now := m.now()

	allowed, retryAfter := m.limiter.Admit(now)
	if !allowed {
		m.mu.Unlock()
		m.logger.Debug("Request rate limited",
			logger.String("request_id", id),
			logger.String("tool_id", toolID),
			logger.String("retry_after", retryAfter.String()))
		m.emitter.Emit(events.New(id, &events.RateLimitedEvent{
			ToolID:            toolID,
			RetryAfterSeconds: int(retryAfter.Seconds()),
		}))
		return id, &RateLimitedError{RetryAfter: retryAfter}
	}

	pending = append(pending, events.New(id, &events.RequestSubmittedEvent{
		ToolID:   toolID,
		Priority: string(priority),
	}))

	key := CacheKey(toolID, params)
	if result := m.cache.Get(key, now); result != nil {
		age := m.cache.Age(key, now)
		m.stats.total++
		m.stats.cacheHits++
		m.mu.Unlock()

		m.logger.Debug("Cache hit, serving without dispatch",
			logger.String("request_id", id),
			logger.String("tool_id", toolID),
			logger.String("age", age.String()))
		for _, event := range pending {
			m.emitter.Emit(event)
		}
		m.emitter.Emit(events.New(id, &events.CacheHitEvent{ToolID: toolID, CacheKey: key, Age: age}))
		m.emitter.Emit(events.New(id, &events.ToolCallEndEvent{
			ToolID:    toolID,
			Content:   result.Content,
			FromCache: true,
		}))
		return id, nil
	}

	req := &Request{
		ID:        id,
		ToolID:    toolID,
		Params:    params,
		Priority:  priority,
		CreatedAt: now,
		CacheKey:  key,
	}
	m.queue.Enqueue(req)
	pending = append(pending, events.New(id, &events.RequestQueuedEvent{
		ToolID:   toolID,
		Position: m.queue.Len(),
	}))
	release := m.tryDispatchLocked()
	m.mu.Unlock()

	for _, event := range pending {
		m.emitter.Emit(event)
	}
	if release != nil {
		release()
	}
	return id, nil
}

// Cancel requests best-effort cancellation. A queued request is removed and
// its cancelled notification emitted immediately. A dispatched request only
// gets its cooperative flag set; the in-flight invocation is not
// interrupted, and the cancelled notification is emitted when it returns.
// Returns ErrNotFound for an unknown or already-completed id.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	if m.active != nil && m.active.ID == id {
		m.active.cancelled = true
		m.mu.Unlock()
		m.logger.Debug("Cancellation flagged for in-flight request",
			logger.String("request_id", id))
		return nil
	}
	if req := m.queue.Remove(id); req != nil {
		m.mu.Unlock()
		m.emitter.Emit(events.New(id, &events.RequestCancelledEvent{
			ToolID:        req.ToolID,
			WasDispatched: false,
		}))
		return nil
	}
	m.mu.Unlock()
	return ErrNotFound
}

// Metrics returns a snapshot of the manager's counters and occupancy.
func (m *Manager) Metrics() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	activeCount := 0
	if m.active != nil {
		activeCount = 1
	}
	return MetricsSnapshot{
		Total:                  m.stats.total,
		Successful:             m.stats.successful,
		Failed:                 m.stats.failed,
		CacheHits:              m.stats.cacheHits,
		AverageExecutionTimeMS: float64(m.stats.avgExecution) / float64(time.Millisecond),
		AverageExecutionTime:   m.stats.avgExecution,
		QueueLength:            m.queue.Len(),
		ActiveCount:            activeCount,
	}
}

// ClearCache wipes the result cache immediately.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	removed := m.cache.Clear()
	m.mu.Unlock()

	m.logger.Info("Result cache cleared", logger.Int("entries_removed", removed))
	m.emitter.Emit(events.New("", &events.CacheClearedEvent{EntriesRemoved: removed}))
}

// Close stops admitting new requests, cancels everything still queued, and
// waits for the in-flight invocation, if any, to finish. A hung invoker
// blocks Close the same way it blocks the slot.
func (m *Manager) Close() {
	var pending []*events.Event

	m.mu.Lock()
	m.closed = true
	for {
		req := m.queue.Dequeue()
		if req == nil {
			break
		}
		pending = append(pending, events.New(req.ID, &events.RequestCancelledEvent{
			ToolID:        req.ToolID,
			WasDispatched: false,
		}))
	}
	m.mu.Unlock()

	for _, event := range pending {
		m.emitter.Emit(event)
	}
	m.wg.Wait()
}

// tryDispatchLocked pops the highest-priority request into the free
// execution slot and launches its invocation. Caller must hold m.mu.
//
// Returns a release func the caller must invoke after emitting its own
// pending events (nil when nothing was dispatched): the execute goroutine
// waits on it so the tool_call_start event never overtakes the submission
// events, and progress/terminal events never precede tool_call_start.
func (m *Manager) tryDispatchLocked() func() {
	if m.active != nil || m.closed || m.queue.Len() == 0 {
		return nil
	}
	req := m.queue.Dequeue()
	m.active = req

	m.logger.Debug("🔧 [DISPATCH] Request entering execution slot",
		logger.String("request_id", req.ID),
		logger.String("tool_id", req.ToolID),
		logger.String("priority", string(req.Priority)))

	ready := make(chan struct{})
	m.wg.Add(1)
	go m.execute(req, ready)

	return func() { close(ready) }
}

// execute runs off the submitting goroutine. It emits the start event,
// validates, invokes, and reconciles the outcome; the completion path fires
// exactly once whether the invoker returns, fails, or panics.
func (m *Manager) execute(req *Request, ready <-chan struct{}) {
	defer m.wg.Done()
	<-ready
	m.emitter.Emit(events.New(req.ID, &events.ToolCallStartEvent{
		ToolID: req.ToolID,
		Params: req.Params,
	}))
	start := m.now()
	result, err := m.invoke(req)
	m.complete(req, result, err, m.now().Sub(start))
}

// invoke runs the validation hook then the invoker, converting panics into
// an InvocationError.
func (m *Manager) invoke(req *Request) (result *Result, err error) {
	params := req.Params
	if m.validate != nil {
		validated, verr := m.validate(params)
		if verr != nil {
			return nil, &ValidationError{ToolID: req.ToolID, Reason: verr.Error()}
		}
		params = validated
	}

	ctx := withProgress(m.ctx, func(message string) {
		m.emitter.Emit(events.New(req.ID, &events.ToolCallProgressEvent{
			ToolID:  req.ToolID,
			Message: message,
		}))
	})

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Invoker panicked", nil,
				logger.String("request_id", req.ID),
				logger.String("tool_id", req.ToolID),
				logger.Any("panic", r))
			result = nil
			err = &InvocationError{ToolID: req.ToolID, Err: fmt.Errorf("invoker panic: %v", r)}
		}
	}()

	res, ierr := m.invoker.Execute(ctx, req.ToolID, params)
	if ierr != nil {
		return nil, &InvocationError{ToolID: req.ToolID, Err: ierr}
	}
	return res, nil
}

// complete frees the execution slot, updates cache and metrics, emits the
// terminal notification, and immediately attempts the next dispatch.
func (m *Manager) complete(req *Request, result *Result, err error, elapsed time.Duration) {
	var pending []*events.Event

	m.mu.Lock()
	if m.active != nil && m.active.ID == req.ID {
		m.active = nil
	}
	now := m.now()

	switch {
	case req.cancelled:
		// Cooperatively cancelled mid-flight: the work already ran, but the
		// outcome is discarded — no caching, no success/failure accounting.
		m.stats.total++
		pending = append(pending, events.New(req.ID, &events.RequestCancelledEvent{
			ToolID:        req.ToolID,
			WasDispatched: true,
		}))

	case err != nil:
		m.stats.total++
		m.stats.failed++
		var verr *ValidationError
		if errors.As(err, &verr) {
			pending = append(pending, events.New(req.ID, &events.ValidationFailedEvent{
				ToolID: req.ToolID,
				Reason: verr.Reason,
			}))
		} else {
			pending = append(pending, events.New(req.ID, &events.ToolCallErrorEvent{
				ToolID:        req.ToolID,
				Reason:        err.Error(),
				ExecutionTime: elapsed,
			}))
		}

	default:
		if result == nil {
			result = &Result{}
		}
		m.stats.total++
		m.stats.successful++
		m.stats.recordExecution(elapsed)
		m.cache.Put(req.CacheKey, req.ToolID, result, now)
		pending = append(pending, events.New(req.ID, &events.ToolCallEndEvent{
			ToolID:        req.ToolID,
			Content:       result.Content,
			FromCache:     false,
			ExecutionTime: elapsed,
		}))
	}

	release := m.tryDispatchLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("Request completed with error",
			logger.String("request_id", req.ID),
			logger.String("tool_id", req.ToolID),
			logger.Error(err))
	} else {
		m.logger.Debug("Request completed",
			logger.String("request_id", req.ID),
			logger.String("tool_id", req.ToolID),
			logger.String("execution_time", elapsed.String()))
	}

	for _, event := range pending {
		m.emitter.Emit(event)
	}
	if release != nil {
		release()
	}
}
