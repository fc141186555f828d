package mcp

import "context"

// ProgressFunc reports tool progress back to the client. Calls are
// throttled by the dispatcher; handlers may call it freely.
type ProgressFunc func(progress, total float64, message string)

type progressKey struct{}

// withProgress attaches a progress reporter to the context.
func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ProgressFromContext returns the progress reporter for the current tool
// call. The returned func is never nil; without a reporter it is a no-op.
func ProgressFromContext(ctx context.Context) ProgressFunc {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		return fn
	}
	return func(float64, float64, string) {}
}
