package loadbalance

import (
	"math/rand"

	"binder-rpc/message"
)

// RandomBalancer picks a uniformly random start. Locations carry no
// capacity information, so every entry weighs the same.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(locs []message.Location) (int, error) {
	if err := pickErr(len(locs)); err != nil {
		return 0, err
	}
	return rand.Intn(len(locs)), nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
