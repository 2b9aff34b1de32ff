// Package loadbalance picks among the locations registered for one
// signature.
//
// Two pieces live here:
//   - Cursor:             the binder's per-signature rotation, owned by a single goroutine
//   - Balancer:           the client's choice of where to start walking a cached list
package loadbalance

import (
	"binder-rpc/codes"
	"binder-rpc/message"
)

// Balancer chooses one location from a non-empty list.
// Called on every cached call; must be goroutine-safe.
type Balancer interface {
	Pick(locs []message.Location) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

func pickErr(n int) error {
	if n == 0 {
		return codes.ErrMissingFunction
	}
	return nil
}
