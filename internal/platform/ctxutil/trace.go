package ctxutil

import "context"

type traceDataKey struct{}
type workspaceKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// WithWorkspace records the workspace the caller was scoped to upstream.
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey{}, workspaceID)
}

func Workspace(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(workspaceKey{}).(string)
	return s
}
