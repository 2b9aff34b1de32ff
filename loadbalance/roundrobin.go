package loadbalance

import (
	"sync/atomic"

	"binder-rpc/message"
)

// RoundRobinBalancer walks the list in order with a shared atomic counter,
// starting from the first entry.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick returns the index of the next location in round-robin order.
func (b *RoundRobinBalancer) Pick(locs []message.Location) (int, error) {
	if err := pickErr(len(locs)); err != nil {
		return 0, err
	}
	n := b.counter.Add(1) - 1
	return int(n % uint64(len(locs))), nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
