package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

// TraceIDKey 上下文中的追踪ID键
type TraceIDKey struct{}

// WithTraceID 为上下文附加新的追踪ID，已存在时保持不变
func WithTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey{}, uuid.NewString())
}

// TraceID 读取追踪ID
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey{}).(string); ok {
		return v
	}
	return ""
}
