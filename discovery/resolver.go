package discovery

import (
	"context"
	"fmt"

	"binder-rpc/codes"
	"binder-rpc/message"
)

// Resolver finds the binder servers and clients talk to.
type Resolver interface {
	Resolve(ctx context.Context) (message.Location, error)
}

// Static always resolves to the same location, typically taken from
// BINDER_ADDRESS and BINDER_PORT.
type Static message.Location

func (s Static) Resolve(context.Context) (message.Location, error) {
	return message.Location(s), nil
}

// EtcdResolver resolves to the first binder announced in etcd.
type EtcdResolver struct {
	Registry *EtcdRegistry
}

func (r *EtcdResolver) Resolve(ctx context.Context) (message.Location, error) {
	locs, err := r.Registry.Discover(ctx)
	if err != nil {
		return message.Location{}, fmt.Errorf("discover binder: %w: %w", err, codes.ErrAddrInfo)
	}
	if len(locs) == 0 {
		return message.Location{}, fmt.Errorf("no binder announced under %s: %w", Prefix, codes.ErrMissingEnv)
	}
	return locs[0], nil
}
