package lifecycle

import (
	"fmt"
	"time"
)

// Priority governs queue ordering. Higher priorities overtake lower ones
// still waiting in the queue; a dispatched request is never preempted.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank maps a priority to its sort order (lower dispatches first).
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority converts a string to a Priority, defaulting to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Request is a unit of work flowing through the manager. It is created at
// submission, moved from queue to the execution slot at most once, and
// discarded after completion.
type Request struct {
	ID        string
	ToolID    string
	Params    map[string]interface{}
	Priority  Priority
	CreatedAt time.Time
	CacheKey  string

	// cancelled is a cooperative flag set by Cancel on an in-flight request.
	// Read and written only under the manager lock.
	cancelled bool
}

// Result is the opaque successful-execution payload returned by a ToolInvoker.
type Result struct {
	Content string                 `json:"content"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
