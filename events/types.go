package events

import (
	"time"
)

// EventType identifies a lifecycle notification
type EventType string

const (
	// Request lifecycle events
	RequestSubmitted EventType = "request_submitted"
	RequestQueued    EventType = "request_queued"
	RequestCancelled EventType = "request_cancelled"
	RateLimited      EventType = "rate_limited"
	ValidationFailed EventType = "validation_failed"

	// Tool invocation events
	ToolCallStart    EventType = "tool_call_start"
	ToolCallProgress EventType = "tool_call_progress"
	ToolCallEnd      EventType = "tool_call_end"
	ToolCallError    EventType = "tool_call_error"

	// Cache events
	CacheHit     EventType = "cache_hit"
	CacheCleared EventType = "cache_cleared"
)

// Event is the envelope published to observers. Every event carries the id
// of the request it belongs to plus a typed Data payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	EventID   string                 `json:"event_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Data      EventData              `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventData interface for all event data types
type EventData interface {
	GetEventType() EventType
}

// IsTerminal reports whether the event type ends a request's lifecycle.
// Every submitted request produces exactly one terminal event.
func IsTerminal(eventType EventType) bool {
	switch eventType {
	case ToolCallEnd, ToolCallError, ValidationFailed, RequestCancelled, RateLimited:
		return true
	default:
		return false
	}
}
