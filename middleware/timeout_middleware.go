package middleware

import (
	"context"
	"time"

	"binder-rpc/codes"
	"binder-rpc/message"
)

// TimeoutMiddleware fails calls that take longer than timeout with
// ErrTimeout. next keeps running in the background until it returns; its
// reply is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.Failure(req.Kind, codes.ErrTimeout)
			}
		}
	}
}
