package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

func NormalizeRequestID(value string) string {
	if parsed, err := uuid.Parse(value); err == nil && parsed.Version() == 4 {
		return value
	}
	return uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

func LoggerWithRequestID(ctx context.Context) *slog.Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return slog.Default()
	}
	return slog.Default().With("request_id", requestID)
}
