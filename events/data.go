package events

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// RequestSubmittedEvent is emitted when a request passes admission control.
type RequestSubmittedEvent struct {
	ToolID   string `json:"tool_id"`
	Priority string `json:"priority"`
}

func (e *RequestSubmittedEvent) GetEventType() EventType { return RequestSubmitted }

// RequestQueuedEvent is emitted when a request is appended to the queue.
type RequestQueuedEvent struct {
	ToolID   string `json:"tool_id"`
	Position int    `json:"position"`
}

func (e *RequestQueuedEvent) GetEventType() EventType { return RequestQueued }

// ToolCallStartEvent is emitted when a request is dispatched to the invoker.
type ToolCallStartEvent struct {
	ToolID string                 `json:"tool_id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

func (e *ToolCallStartEvent) GetEventType() EventType { return ToolCallStart }

// ToolCallProgressEvent carries an optional progress message from the invoker.
type ToolCallProgressEvent struct {
	ToolID  string `json:"tool_id"`
	Message string `json:"message"`
}

func (e *ToolCallProgressEvent) GetEventType() EventType { return ToolCallProgress }

// ToolCallEndEvent is the terminal success notification.
// FromCache marks results served from the result cache without dispatch.
type ToolCallEndEvent struct {
	ToolID        string        `json:"tool_id"`
	Content       string        `json:"content,omitempty"`
	FromCache     bool          `json:"from_cache"`
	ExecutionTime time.Duration `json:"execution_time"`
}

func (e *ToolCallEndEvent) GetEventType() EventType { return ToolCallEnd }

// ToolCallErrorEvent is the terminal invocation-failure notification.
type ToolCallErrorEvent struct {
	ToolID        string        `json:"tool_id"`
	Reason        string        `json:"reason"`
	ExecutionTime time.Duration `json:"execution_time"`
}

func (e *ToolCallErrorEvent) GetEventType() EventType { return ToolCallError }

// ValidationFailedEvent is the terminal notification for params rejected
// before the invoker was ever called.
type ValidationFailedEvent struct {
	ToolID string `json:"tool_id"`
	Reason string `json:"reason"`
}

func (e *ValidationFailedEvent) GetEventType() EventType { return ValidationFailed }

// RequestCancelledEvent is the terminal notification for a cancelled request.
// WasDispatched distinguishes queue removal from cooperative in-flight
// cancellation.
type RequestCancelledEvent struct {
	ToolID        string `json:"tool_id"`
	WasDispatched bool   `json:"was_dispatched"`
}

func (e *RequestCancelledEvent) GetEventType() EventType { return RequestCancelled }

// RateLimitedEvent is the terminal admission-denied notification.
// RetryAfter is the client-side retry hint in whole seconds.
type RateLimitedEvent struct {
	ToolID            string `json:"tool_id"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func (e *RateLimitedEvent) GetEventType() EventType { return RateLimited }

// CacheHitEvent is emitted alongside a from-cache ToolCallEnd.
type CacheHitEvent struct {
	ToolID   string        `json:"tool_id"`
	CacheKey string        `json:"cache_key"`
	Age      time.Duration `json:"age"`
}

func (e *CacheHitEvent) GetEventType() EventType { return CacheHit }

// CacheClearedEvent is emitted when the result cache is wiped.
type CacheClearedEvent struct {
	EntriesRemoved int `json:"entries_removed"`
}

func (e *CacheClearedEvent) GetEventType() EventType { return CacheCleared }

// New wraps a typed payload in an Event envelope.
func New(requestID string, data EventData) *Event {
	return &Event{
		Type:      data.GetEventType(),
		Timestamp: time.Now(),
		EventID:   GenerateEventID(),
		RequestID: requestID,
		Data:      data,
	}
}

// GenerateEventID creates a unique event ID
func GenerateEventID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to time-based ID if random read fails
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
