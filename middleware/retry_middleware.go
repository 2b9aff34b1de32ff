package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"binder-rpc/logging"
	"binder-rpc/message"
)

// RetryMiddleware repeats a call whose reply is a transport failure (the
// server could not be reached or the stream broke), up to maxRetries times
// with exponential backoff starting at baseDelay. Answers from the server,
// failures included, are returned as they are.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	logger = logging.Or(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !reply.Kind.IsFailure() || !reply.Reason.IsTransport() {
					return reply
				}
				logger.Debug("retrying call",
					zap.Int("attempt", i+1),
					zap.String("function", req.Name),
					zap.Stringer("location", req.Location),
					zap.Error(reply.Reason))

				t := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return reply
				}
				reply = next(ctx, req)
			}
			return reply
		}
	}
}
