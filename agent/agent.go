// Package agent wraps a lifecycle manager with the bookkeeping a tool agent
// needs: a bounded history of completed requests and per-tool call statistics,
// both fed from the manager's notification stream.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolagent/events"
	"toolagent/lifecycle"
	"toolagent/logger"
)

// DefaultMaxHistory bounds the retained terminal outcomes per agent.
const DefaultMaxHistory = 200

// HistoryEntry records one terminal outcome.
type HistoryEntry struct {
	RequestID string    `json:"request_id"`
	ToolID    string    `json:"tool_id"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolStats aggregates outcomes per tool id.
type ToolStats struct {
	Calls     int `json:"calls"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	CacheHits int `json:"cache_hits"`
	Cancelled int `json:"cancelled"`
}

// Agent owns one lifecycle manager and observes its notifications.
type Agent struct {
	id      string
	manager *lifecycle.Manager
	logger  logger.Logger

	mu         sync.Mutex
	history    []HistoryEntry
	stats      map[string]*ToolStats
	maxHistory int

	managerOptions []lifecycle.Option
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLogger sets the agent's logger. It is also passed to the underlying
// manager unless a manager option overrides it.
func WithLogger(log logger.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = log
	}
}

// WithID sets the agent id used in emitted events and logs.
func WithID(id string) AgentOption {
	return func(a *Agent) {
		a.id = id
	}
}

// WithMaxHistory bounds the retained history. Older entries are evicted first.
func WithMaxHistory(max int) AgentOption {
	return func(a *Agent) {
		if max > 0 {
			a.maxHistory = max
		}
	}
}

// WithManagerOptions passes options through to the underlying lifecycle
// manager (rate limit, cache TTL, validator, clock).
func WithManagerOptions(options ...lifecycle.Option) AgentOption {
	return func(a *Agent) {
		a.managerOptions = append(a.managerOptions, options...)
	}
}

// New creates an agent around the given invoker. The context bounds all tool
// invocations the agent dispatches.
func New(ctx context.Context, invoker lifecycle.ToolInvoker, options ...AgentOption) *Agent {
	a := &Agent{
		id:         uuid.NewString(),
		logger:     logger.NewNoop(),
		stats:      make(map[string]*ToolStats),
		maxHistory: DefaultMaxHistory,
	}
	for _, option := range options {
		option(a)
	}

	managerOptions := append([]lifecycle.Option{lifecycle.WithLogger(a.logger)}, a.managerOptions...)
	a.manager = lifecycle.NewManager(ctx, invoker, managerOptions...)
	a.manager.Subscribe(events.ObserverFunc(a.onEvent))
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string {
	return a.id
}

// Manager exposes the underlying lifecycle manager.
func (a *Agent) Manager() *lifecycle.Manager {
	return a.manager
}

// Subscribe registers an additional observer for the agent's notifications.
func (a *Agent) Subscribe(observer events.Observer) {
	a.manager.Subscribe(observer)
}

// Submit hands a tool request to the lifecycle manager.
func (a *Agent) Submit(toolID string, params map[string]interface{}, priority lifecycle.Priority) (string, error) {
	return a.manager.Submit(toolID, params, priority)
}

// Cancel requests best-effort cancellation of a pending request.
func (a *Agent) Cancel(requestID string) error {
	return a.manager.Cancel(requestID)
}

// Metrics returns the manager's counters.
func (a *Agent) Metrics() lifecycle.MetricsSnapshot {
	return a.manager.Metrics()
}

// ClearCache wipes the result cache.
func (a *Agent) ClearCache() {
	a.manager.ClearCache()
}

// Close shuts the manager down and waits for in-flight work.
func (a *Agent) Close() {
	a.manager.Close()
}

// History returns a copy of the retained terminal outcomes, oldest first.
func (a *Agent) History() []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HistoryEntry, len(a.history))
	copy(out, a.history)
	return out
}

// Stats returns a copy of the per-tool counters.
func (a *Agent) Stats() map[string]ToolStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ToolStats, len(a.stats))
	for toolID, stats := range a.stats {
		out[toolID] = *stats
	}
	return out
}

// onEvent folds terminal notifications into history and per-tool stats.
func (a *Agent) onEvent(event *events.Event) {
	if !events.IsTerminal(event.Type) {
		return
	}

	entry := HistoryEntry{
		RequestID: event.RequestID,
		Outcome:   string(event.Type),
		Timestamp: event.Timestamp,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch data := event.Data.(type) {
	case *events.ToolCallEndEvent:
		entry.ToolID = data.ToolID
		stats := a.statsFor(data.ToolID)
		stats.Calls++
		if data.FromCache {
			stats.CacheHits++
		}
		stats.Successes++
	case *events.ToolCallErrorEvent:
		entry.ToolID = data.ToolID
		entry.Detail = data.Reason
		stats := a.statsFor(data.ToolID)
		stats.Calls++
		stats.Failures++
	case *events.ValidationFailedEvent:
		entry.ToolID = data.ToolID
		entry.Detail = data.Reason
		stats := a.statsFor(data.ToolID)
		stats.Calls++
		stats.Failures++
	case *events.RequestCancelledEvent:
		entry.ToolID = data.ToolID
		stats := a.statsFor(data.ToolID)
		stats.Calls++
		stats.Cancelled++
	case *events.RateLimitedEvent:
		entry.ToolID = data.ToolID
		entry.Detail = "rate limited"
	}

	a.history = append(a.history, entry)
	if len(a.history) > a.maxHistory {
		a.history = a.history[len(a.history)-a.maxHistory:]
	}
}

func (a *Agent) statsFor(toolID string) *ToolStats {
	stats, ok := a.stats[toolID]
	if !ok {
		stats = &ToolStats{}
		a.stats[toolID] = stats
	}
	return stats
}
