// Package middleware wraps the handling of one EXECUTE.
//
// On the server a HandlerFunc turns an EXECUTE into its EXECUTE_SUCCESS or
// EXECUTE_FAILURE reply. On the client it sends the EXECUTE to
// req.Location and returns whatever came back, with transport errors
// folded into an EXECUTE_FAILURE carrying the reason code.
package middleware

import (
	"context"

	"binder-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
