package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"binder-rpc/args"
	"binder-rpc/logging"
	"binder-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logging.Or(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.String("function", args.Format(req.Name, req.Descriptors())),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Location.Identifier != "" {
				fields = append(fields, zap.Stringer("location", req.Location))
			}
			if reply.Kind.IsFailure() {
				logger.Warn("call failed", append(fields, zap.Error(reply.Reason))...)
			} else {
				logger.Debug("call", fields...)
			}
			return reply
		}
	}
}
