package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolagent/events"
)

// fakeClock is a manually advanced time source shared between the test and
// the manager's execute goroutine.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// collector records every emitted event and exposes terminal ones on a
// channel so tests can wait for request outcomes.
type collector struct {
	mu       sync.Mutex
	all      []*events.Event
	terminal chan *events.Event
}

func newCollector() *collector {
	return &collector{terminal: make(chan *events.Event, 64)}
}

func (c *collector) OnEvent(event *events.Event) {
	c.mu.Lock()
	c.all = append(c.all, event)
	c.mu.Unlock()
	if events.IsTerminal(event.Type) {
		c.terminal <- event
	}
}

func (c *collector) byType(eventType events.EventType) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []*events.Event
	for _, event := range c.all {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func waitTerminal(t *testing.T, c *collector) *events.Event {
	t.Helper()
	select {
	case event := <-c.terminal:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal notification")
		return nil
	}
}

// scriptedInvoker is a scriptable ToolInvoker. When gate is non-nil every
// Execute blocks until the test sends a token.
type scriptedInvoker struct {
	gate          chan struct{}
	failTools     map[string]error
	advance       func()
	onExecute     func(ctx context.Context, toolID string, params map[string]interface{})
	execCount     int32
	concurrent    int32
	maxConcurrent int32
}

func (s *scriptedInvoker) Execute(ctx context.Context, toolID string, params map[string]interface{}) (*Result, error) {
	cur := atomic.AddInt32(&s.concurrent, 1)
	for {
		max := atomic.LoadInt32(&s.maxConcurrent)
		if cur <= max || atomic.CompareAndSwapInt32(&s.maxConcurrent, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&s.concurrent, -1)

	if s.gate != nil {
		<-s.gate
	}
	atomic.AddInt32(&s.execCount, 1)
	if s.advance != nil {
		s.advance()
	}
	if s.onExecute != nil {
		s.onExecute(ctx, toolID, params)
	}
	if err, ok := s.failTools[toolID]; ok {
		return nil, err
	}
	return &Result{Content: "ok:" + toolID}, nil
}

func (s *scriptedInvoker) executions() int {
	return int(atomic.LoadInt32(&s.execCount))
}

func newTestManager(t *testing.T, invoker ToolInvoker, c *collector, options ...Option) *Manager {
	t.Helper()
	base := []Option{WithRateLimit(1000, time.Minute)}
	m := NewManager(context.Background(), invoker, append(base, options...)...)
	m.Subscribe(c)
	t.Cleanup(m.Close)
	return m
}

func TestSubmitExecutesAndNotifies(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{}
	m := newTestManager(t, invoker, c)

	id, err := m.Submit("code_search", map[string]interface{}{"query": "foo"}, PriorityNormal)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	terminal := waitTerminal(t, c)
	assert.Equal(t, events.ToolCallEnd, terminal.Type)
	assert.Equal(t, id, terminal.RequestID)

	end := terminal.Data.(*events.ToolCallEndEvent)
	assert.False(t, end.FromCache)
	assert.Equal(t, "ok:code_search", end.Content)

	snapshot := m.Metrics()
	assert.Equal(t, int64(1), snapshot.Total)
	assert.Equal(t, int64(1), snapshot.Successful)
	assert.Equal(t, int64(0), snapshot.Failed)
	assert.Equal(t, 0, snapshot.QueueLength)
	assert.Equal(t, 0, snapshot.ActiveCount)
}

func TestCacheHitOnResubmit(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{}
	m := newTestManager(t, invoker, c)

	params := map[string]interface{}{"code": "x"}

	first, err := m.Submit("analyze", params, PriorityNormal)
	require.NoError(t, err)
	terminal := waitTerminal(t, c)
	assert.Equal(t, first, terminal.RequestID)
	assert.False(t, terminal.Data.(*events.ToolCallEndEvent).FromCache)

	// Identical params before TTL expiry: served from cache, no dispatch.
	second, err := m.Submit("analyze", params, PriorityNormal)
	require.NoError(t, err)
	terminal = waitTerminal(t, c)
	assert.Equal(t, second, terminal.RequestID)
	assert.True(t, terminal.Data.(*events.ToolCallEndEvent).FromCache)

	assert.Equal(t, 1, invoker.executions())
	snapshot := m.Metrics()
	assert.Equal(t, int64(1), snapshot.CacheHits)
	assert.Equal(t, int64(2), snapshot.Total)
	assert.Len(t, c.byType(events.CacheHit), 1)
}

func TestCacheExpiryForcesReexecution(t *testing.T) {
	c := newCollector()
	clock := newFakeClock()
	invoker := &scriptedInvoker{}
	m := newTestManager(t, invoker, c,
		WithClock(clock.Now),
		WithCacheTTL(time.Minute))

	params := map[string]interface{}{"code": "x"}

	_, err := m.Submit("analyze", params, PriorityNormal)
	require.NoError(t, err)
	waitTerminal(t, c)

	clock.Advance(time.Minute + time.Second)

	_, err = m.Submit("analyze", params, PriorityNormal)
	require.NoError(t, err)
	terminal := waitTerminal(t, c)
	assert.False(t, terminal.Data.(*events.ToolCallEndEvent).FromCache)
	assert.Equal(t, 2, invoker.executions())
}

func TestRateLimitedSubmission(t *testing.T) {
	c := newCollector()
	clock := newFakeClock()
	invoker := &scriptedInvoker{}
	m := NewManager(context.Background(), invoker,
		WithRateLimit(2, 60*time.Second),
		WithClock(clock.Now))
	m.Subscribe(c)
	t.Cleanup(m.Close)

	_, err := m.Submit("t", map[string]interface{}{"i": 1}, PriorityNormal)
	require.NoError(t, err)
	_, err = m.Submit("t", map[string]interface{}{"i": 2}, PriorityNormal)
	require.NoError(t, err)

	clock.Advance(time.Second)
	id, err := m.Submit("t", map[string]interface{}{"i": 3}, PriorityNormal)
	require.Error(t, err)
	require.NotEmpty(t, id)

	var rateErr *RateLimitedError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, 59*time.Second, rateErr.RetryAfter)

	limited := c.byType(events.RateLimited)
	require.Len(t, limited, 1)
	assert.Equal(t, id, limited[0].RequestID)
	assert.Equal(t, 59, limited[0].Data.(*events.RateLimitedEvent).RetryAfterSeconds)

	// Rate-limited requests never touch the metrics counters.
	drainTerminals(t, c, 3)
	assert.Equal(t, int64(2), m.Metrics().Total)
}

func drainTerminals(t *testing.T, c *collector, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		waitTerminal(t, c)
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{gate: make(chan struct{})}
	m := newTestManager(t, invoker, c)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := m.Submit("t", map[string]interface{}{"i": i}, PriorityNormal)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		invoker.gate <- struct{}{}
		waitTerminal(t, c)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&invoker.maxConcurrent))
	assert.Equal(t, n, invoker.executions())
}

func TestPriorityOvertakesWhileSlotBusy(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{gate: make(chan struct{})}
	m := newTestManager(t, invoker, c)

	// One normal request occupies the slot.
	_, err := m.Submit("first", map[string]interface{}{"p": "n"}, PriorityNormal)
	require.NoError(t, err)

	// Low submitted before high, but high dispatches first on drain.
	_, err = m.Submit("second", map[string]interface{}{"p": "l"}, PriorityLow)
	require.NoError(t, err)
	_, err = m.Submit("third", map[string]interface{}{"p": "h"}, PriorityHigh)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		invoker.gate <- struct{}{}
		waitTerminal(t, c)
	}

	starts := c.byType(events.ToolCallStart)
	require.Len(t, starts, 3)
	assert.Equal(t, "first", starts[0].Data.(*events.ToolCallStartEvent).ToolID)
	assert.Equal(t, "third", starts[1].Data.(*events.ToolCallStartEvent).ToolID)
	assert.Equal(t, "second", starts[2].Data.(*events.ToolCallStartEvent).ToolID)
}

func TestExactlyOneTerminalPerRequest(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{
		failTools: map[string]error{"bad": errors.New("boom")},
	}
	m := newTestManager(t, invoker, c)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Submit("good", map[string]interface{}{"i": i}, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < 2; i++ {
		id, err := m.Submit("bad", map[string]interface{}{"i": i}, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	drainTerminals(t, c, len(ids))

	seen := make(map[string]int)
	c.mu.Lock()
	for _, event := range c.all {
		if events.IsTerminal(event.Type) {
			seen[event.RequestID]++
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "request %s must have exactly one terminal notification", id)
	}
}

func TestEventOrderWithinRequest(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{
		onExecute: func(ctx context.Context, toolID string, params map[string]interface{}) {
			ReportProgress(ctx, "working")
		},
	}
	m := newTestManager(t, invoker, c)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Submit("t", map[string]interface{}{"i": i}, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	drainTerminals(t, c, len(ids))

	// First occurrence of each event type per request, in emission order.
	firstSeen := make(map[string]map[events.EventType]int)
	c.mu.Lock()
	for i, event := range c.all {
		if firstSeen[event.RequestID] == nil {
			firstSeen[event.RequestID] = make(map[events.EventType]int)
		}
		if _, seen := firstSeen[event.RequestID][event.Type]; !seen {
			firstSeen[event.RequestID][event.Type] = i
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		seen := firstSeen[id]
		for _, eventType := range []events.EventType{
			events.RequestSubmitted, events.RequestQueued,
			events.ToolCallStart, events.ToolCallProgress, events.ToolCallEnd,
		} {
			require.Contains(t, seen, eventType, "request %s missing %s", id, eventType)
		}
		assert.Less(t, seen[events.RequestSubmitted], seen[events.RequestQueued])
		assert.Less(t, seen[events.RequestQueued], seen[events.ToolCallStart])
		assert.Less(t, seen[events.ToolCallStart], seen[events.ToolCallProgress])
		assert.Less(t, seen[events.ToolCallProgress], seen[events.ToolCallEnd])
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{gate: make(chan struct{})}
	m := newTestManager(t, invoker, c)

	_, err := m.Submit("busy", map[string]interface{}{"i": 0}, PriorityNormal)
	require.NoError(t, err)
	queued, err := m.Submit("victim", map[string]interface{}{"i": 1}, PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(queued))
	terminal := waitTerminal(t, c)
	assert.Equal(t, events.RequestCancelled, terminal.Type)
	assert.Equal(t, queued, terminal.RequestID)
	assert.False(t, terminal.Data.(*events.RequestCancelledEvent).WasDispatched)

	// Unknown id is reported, not fatal.
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)

	invoker.gate <- struct{}{}
	waitTerminal(t, c)
	assert.Equal(t, 1, invoker.executions())
}

func TestCancelInFlightIsCooperative(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{gate: make(chan struct{})}
	m := newTestManager(t, invoker, c)

	params := map[string]interface{}{"q": "z"}
	id, err := m.Submit("slow", params, PriorityNormal)
	require.NoError(t, err)

	// The invocation is not interrupted; only the flag is set.
	require.NoError(t, m.Cancel(id))
	select {
	case <-c.terminal:
		t.Fatal("terminal notification before the invocation finished")
	case <-time.After(50 * time.Millisecond):
	}

	invoker.gate <- struct{}{}
	terminal := waitTerminal(t, c)
	assert.Equal(t, events.RequestCancelled, terminal.Type)
	assert.True(t, terminal.Data.(*events.RequestCancelledEvent).WasDispatched)

	// The discarded outcome was not cached: resubmitting executes again.
	invoker.gate = nil
	_, err = m.Submit("slow", params, PriorityNormal)
	require.NoError(t, err)
	terminal = waitTerminal(t, c)
	assert.Equal(t, events.ToolCallEnd, terminal.Type)
	assert.Equal(t, 2, invoker.executions())
}

func TestValidationFailureShortCircuits(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{}
	m := newTestManager(t, invoker, c,
		WithValidator(func(params map[string]interface{}) (map[string]interface{}, error) {
			if _, ok := params["query"]; !ok {
				return nil, errors.New("query is required")
			}
			return params, nil
		}))

	id, err := m.Submit("search", map[string]interface{}{"qurey": "typo"}, PriorityNormal)
	require.NoError(t, err)

	terminal := waitTerminal(t, c)
	assert.Equal(t, events.ValidationFailed, terminal.Type)
	assert.Equal(t, id, terminal.RequestID)
	assert.Contains(t, terminal.Data.(*events.ValidationFailedEvent).Reason, "query is required")

	// The invoker was never called and the failure is terminal.
	assert.Equal(t, 0, invoker.executions())
	snapshot := m.Metrics()
	assert.Equal(t, int64(1), snapshot.Failed)
}

func TestInvokerPanicBecomesError(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{
		onExecute: func(ctx context.Context, toolID string, params map[string]interface{}) {
			if toolID == "explode" {
				panic("kaboom")
			}
		},
	}
	m := newTestManager(t, invoker, c)

	_, err := m.Submit("explode", map[string]interface{}{"i": 1}, PriorityNormal)
	require.NoError(t, err)
	terminal := waitTerminal(t, c)
	assert.Equal(t, events.ToolCallError, terminal.Type)
	assert.Contains(t, terminal.Data.(*events.ToolCallErrorEvent).Reason, "panic")

	// The slot was freed: the manager keeps serving requests.
	_, err = m.Submit("fine", map[string]interface{}{"i": 2}, PriorityNormal)
	require.NoError(t, err)
	terminal = waitTerminal(t, c)
	assert.Equal(t, events.ToolCallEnd, terminal.Type)
}

func TestRunningAverageExecutionTime(t *testing.T) {
	c := newCollector()
	clock := newFakeClock()

	durations := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}
	var call int32
	invoker := &scriptedInvoker{}
	invoker.advance = func() {
		i := atomic.AddInt32(&call, 1) - 1
		clock.Advance(durations[i])
	}
	m := newTestManager(t, invoker, c, WithClock(clock.Now))

	for i := range durations {
		_, err := m.Submit("t", map[string]interface{}{"i": i}, PriorityNormal)
		require.NoError(t, err)
		waitTerminal(t, c)
	}

	snapshot := m.Metrics()
	assert.Equal(t, 200*time.Millisecond, snapshot.AverageExecutionTime)
	assert.InDelta(t, 200.0, snapshot.AverageExecutionTimeMS, 0.001)
}

func TestProgressNotifications(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{
		onExecute: func(ctx context.Context, toolID string, params map[string]interface{}) {
			ReportProgress(ctx, "halfway")
		},
	}
	m := newTestManager(t, invoker, c)

	id, err := m.Submit("t", map[string]interface{}{"i": 1}, PriorityNormal)
	require.NoError(t, err)
	waitTerminal(t, c)

	progress := c.byType(events.ToolCallProgress)
	require.Len(t, progress, 1)
	assert.Equal(t, id, progress[0].RequestID)
	assert.Equal(t, "halfway", progress[0].Data.(*events.ToolCallProgressEvent).Message)
}

func TestClearCacheForcesReexecution(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{}
	m := newTestManager(t, invoker, c)

	params := map[string]interface{}{"k": "v"}
	_, err := m.Submit("t", params, PriorityNormal)
	require.NoError(t, err)
	waitTerminal(t, c)

	m.ClearCache()
	require.Len(t, c.byType(events.CacheCleared), 1)

	_, err = m.Submit("t", params, PriorityNormal)
	require.NoError(t, err)
	terminal := waitTerminal(t, c)
	assert.False(t, terminal.Data.(*events.ToolCallEndEvent).FromCache)
	assert.Equal(t, 2, invoker.executions())
}

func TestCloseCancelsQueuedRequests(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{gate: make(chan struct{})}
	m := NewManager(context.Background(), invoker, WithRateLimit(100, time.Minute))
	m.Subscribe(c)

	_, err := m.Submit("running", map[string]interface{}{"i": 0}, PriorityNormal)
	require.NoError(t, err)
	queued, err := m.Submit("pending", map[string]interface{}{"i": 1}, PriorityNormal)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	// The queued request is cancelled; the in-flight one still completes.
	terminal := waitTerminal(t, c)
	assert.Equal(t, events.RequestCancelled, terminal.Type)
	assert.Equal(t, queued, terminal.RequestID)

	invoker.gate <- struct{}{}
	waitTerminal(t, c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = m.Submit("late", nil, PriorityNormal)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestIndependentManagers(t *testing.T) {
	c1, c2 := newCollector(), newCollector()
	gate := make(chan struct{})
	blocked := &scriptedInvoker{gate: gate}
	free := &scriptedInvoker{}

	m1 := newTestManager(t, blocked, c1)
	m2 := newTestManager(t, free, c2)

	_, err := m1.Submit("slow", map[string]interface{}{"i": 0}, PriorityNormal)
	require.NoError(t, err)

	// A busy slot in one manager never stalls another instance.
	_, err = m2.Submit("fast", map[string]interface{}{"i": 0}, PriorityNormal)
	require.NoError(t, err)
	terminal := waitTerminal(t, c2)
	assert.Equal(t, events.ToolCallEnd, terminal.Type)

	gate <- struct{}{}
	waitTerminal(t, c1)
}

func TestSubmitReturnsImmediatelyWhileBusy(t *testing.T) {
	c := newCollector()
	invoker := &scriptedInvoker{gate: make(chan struct{})}
	m := newTestManager(t, invoker, c)

	_, err := m.Submit("t", map[string]interface{}{"i": 0}, PriorityNormal)
	require.NoError(t, err)

	start := time.Now()
	for i := 1; i <= 3; i++ {
		_, err = m.Submit("t", map[string]interface{}{"i": i}, PriorityNormal)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second, "submission must not block on execution")

	snapshot := m.Metrics()
	assert.Equal(t, 3, snapshot.QueueLength)
	assert.Equal(t, 1, snapshot.ActiveCount)

	for i := 0; i < 4; i++ {
		invoker.gate <- struct{}{}
		waitTerminal(t, c)
	}
}
