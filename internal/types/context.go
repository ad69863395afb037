package types

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// SetRequestID stores the request ID on the context.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID from the context, or "" when unset.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
