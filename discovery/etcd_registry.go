// Package discovery publishes and finds the binder's address through etcd.
//
// The binder announces itself under a TTL lease:
//
//	Key:   binder-rpc/binder/{host:port}
//	Value: {host:port}
//
// KeepAlive renews the lease while the binder runs. If the process dies the
// lease expires and the entry disappears, so resolvers never hand out a
// binder that is long gone.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"binder-rpc/codes"
	"binder-rpc/logging"
	"binder-rpc/message"
)

// Prefix is the etcd key prefix every binder is announced under.
const Prefix = "binder-rpc/binder/"

// DefaultTTL is the announce lease TTL in seconds.
const DefaultTTL = 10

const dialTimeout = 5 * time.Second

type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdRegistry connects to the given etcd endpoints. The etcd client logs
// through logger.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	logger = logging.Or(logger)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd %v: %w: %w", endpoints, err, codes.ErrSocketConnect)
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Announce publishes loc with a ttl-second lease and keeps the lease alive
// until Withdraw, Close or ctx is done.
//
// Lease ids are kept per location so one registry can announce several
// binders without them overwriting each other.
func (r *EtcdRegistry) Announce(ctx context.Context, loc message.Location, ttl int64) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	addr := loc.String()
	if _, err := r.client.Put(ctx, Prefix+addr, addr, clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain responses so the keepalive channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("announce keepalive stopped", zap.String("addr", addr))
	}()

	r.mu.Lock()
	r.leases[addr] = lease.ID
	r.mu.Unlock()
	r.logger.Info("binder announced", zap.String("addr", addr), zap.Int64("ttl", ttl))
	return nil
}

// Withdraw removes loc and revokes its lease.
func (r *EtcdRegistry) Withdraw(ctx context.Context, loc message.Location) error {
	addr := loc.String()
	if _, err := r.client.Delete(ctx, Prefix+addr); err != nil {
		return err
	}
	r.mu.Lock()
	id, ok := r.leases[addr]
	delete(r.leases, addr)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Discover returns every announced binder, ordered by key.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]message.Location, error) {
	resp, err := r.client.Get(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	locs := make([]message.Location, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		loc, err := ParseLocation(string(kv.Value))
		if err != nil {
			r.logger.Warn("skipping malformed binder entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// Watch emits the full binder list whenever an announcement changes
// (announce, withdraw, lease expiry). The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []message.Location {
	ch := make(chan []message.Location, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, Prefix, clientv3.WithPrefix()) {
			// Re-fetch instead of applying individual events.
			locs, err := r.Discover(ctx)
			if err != nil {
				r.logger.Warn("rediscover after watch event failed", zap.Error(err))
				continue
			}
			select {
			case ch <- locs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error { return r.client.Close() }

// ParseLocation splits "host:port" into a Location.
func ParseLocation(addr string) (message.Location, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return message.Location{}, fmt.Errorf("%q: %w: %w", addr, err, codes.ErrAddrInfo)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return message.Location{}, fmt.Errorf("%q: bad port: %w", addr, codes.ErrAddrInfo)
	}
	return message.Location{Identifier: host, Port: int32(p)}, nil
}
