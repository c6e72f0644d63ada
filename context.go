package authgate

import "context"

type requestIDContextKey struct{}

// WithRequestID attaches a correlation id to ctx. Fallback requests carry it
// in the X-Request-ID header and audit events record it. Without one, each
// fallback request gets a fresh random id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}
