package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	OperatorKey  = ContextKey("X-Operator")
	MergeIDKey   = ContextKey("X-Merge-Id")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// SetOperator records who triggered the merge, for the audit log.
func SetOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, OperatorKey, operator)
}

func GetOperator(ctx context.Context) string {
	return getString(ctx, OperatorKey)
}

func SetMergeID(ctx context.Context, mergeID string) context.Context {
	return context.WithValue(ctx, MergeIDKey, mergeID)
}

func GetMergeID(ctx context.Context) string {
	return getString(ctx, MergeIDKey)
}

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}
