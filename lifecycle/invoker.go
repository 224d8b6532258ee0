package lifecycle

import (
	"context"
)

// ToolInvoker is the external boundary that performs the actual (possibly
// slow or fallible) work. Implementations are responsible for any bounded
// invocation timeout; the manager does not time out a stuck invoker on its
// own, so a hung Execute permanently occupies the execution slot.
type ToolInvoker interface {
	Execute(ctx context.Context, toolID string, params map[string]interface{}) (*Result, error)
}

// ToolInvokerFunc adapts a function to the ToolInvoker interface.
type ToolInvokerFunc func(ctx context.Context, toolID string, params map[string]interface{}) (*Result, error)

func (f ToolInvokerFunc) Execute(ctx context.Context, toolID string, params map[string]interface{}) (*Result, error) {
	return f(ctx, toolID, params)
}

// ValidateFunc is the optional pre-invocation hook. It may normalize the
// params; returning an error short-circuits without calling the invoker and
// is terminal for the request.
type ValidateFunc func(params map[string]interface{}) (map[string]interface{}, error)

// progressKey is the typed context key under which the manager injects a
// progress callback for the invoker.
type progressKey struct{}

// ProgressFunc receives optional progress messages during an invocation.
type ProgressFunc func(message string)

func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress emits a progress notification for the in-flight request.
// A no-op when the context did not come from a manager dispatch.
func ReportProgress(ctx context.Context, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(message)
	}
}
