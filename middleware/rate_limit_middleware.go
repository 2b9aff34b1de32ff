package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"binder-rpc/codes"
	"binder-rpc/message"
)

// RateLimitMiddleware admits r calls per second with bursts of up to burst
// (token bucket). Calls over the limit fail with ErrRateLimited without
// reaching next.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.Failure(req.Kind, codes.ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
