// Package config reads the environment shared by servers, clients and the
// binder executable.
//
//	BINDER_ADDRESS, BINDER_PORT   where the binder listens
//	BINDER_ETCD_ENDPOINTS         comma separated; used when the two above are unset
//	RPC_LOG_LEVEL                 debug, info, warn, error
//	SERVER_ADVERTISE_HOST         identifier a server registers under
//	SERVER_WORKERS                concurrent calls per server
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"binder-rpc/codes"
	"binder-rpc/discovery"
	"binder-rpc/message"
	"binder-rpc/transport"
)

const (
	EnvBinderAddress = "BINDER_ADDRESS"
	EnvBinderPort    = "BINDER_PORT"
	EnvEtcdEndpoints = "BINDER_ETCD_ENDPOINTS"
	EnvLogLevel      = "RPC_LOG_LEVEL"
	EnvAdvertiseHost = "SERVER_ADVERTISE_HOST"
	EnvWorkers       = "SERVER_WORKERS"
)

type Config struct {
	// Binder is set when BINDER_ADDRESS and BINDER_PORT are both present.
	Binder        *message.Location
	EtcdEndpoints []string
	LogLevel      string
	AdvertiseHost string
	Workers       int
}

// Load reads the configuration through lookup, which has the signature of
// os.LookupEnv. Without a binder address or etcd endpoints the result is
// ErrMissingEnv.
func Load(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := &Config{
		LogLevel:      get(EnvLogLevel),
		AdvertiseHost: get(EnvAdvertiseHost),
		Workers:       transport.DefaultWorkers,
	}

	addr, port := get(EnvBinderAddress), get(EnvBinderPort)
	if addr != "" && port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", EnvBinderPort, port, codes.ErrMissingEnv)
		}
		cfg.Binder = &message.Location{Identifier: addr, Port: int32(p)}
	}

	for _, ep := range strings.Split(get(EnvEtcdEndpoints), ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			cfg.EtcdEndpoints = append(cfg.EtcdEndpoints, ep)
		}
	}

	if cfg.Binder == nil && len(cfg.EtcdEndpoints) == 0 {
		return nil, fmt.Errorf("%s and %s unset, no %s: %w", EnvBinderAddress, EnvBinderPort, EnvEtcdEndpoints, codes.ErrMissingEnv)
	}

	if w := get(EnvWorkers); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s=%q: must be a positive integer", EnvWorkers, w)
		}
		cfg.Workers = n
	}
	return cfg, nil
}

// FromEnv is Load over the process environment.
func FromEnv() (*Config, error) { return Load(os.LookupEnv) }

// Resolver returns how to reach the binder: the fixed address when one is
// configured, etcd otherwise. The returned close function releases the etcd
// client, if any.
func (c *Config) Resolver(logger *zap.Logger) (discovery.Resolver, func() error, error) {
	if c.Binder != nil {
		return discovery.Static(*c.Binder), func() error { return nil }, nil
	}
	reg, err := discovery.NewEtcdRegistry(c.EtcdEndpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	return &discovery.EtcdResolver{Registry: reg}, reg.Close, nil
}
