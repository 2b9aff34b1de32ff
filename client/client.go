// Package client locates functions through the binder and calls them on
// servers.
//
//	Call:        LOC_REQUEST → binder → location → EXECUTE → server
//	CachedCall:  cached locations → EXECUTE, refreshed with LOC_CACHE when
//	             every cached location has failed
//
// Every request uses its own connection, so one Client is safe for
// concurrent use.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/config"
	"binder-rpc/discovery"
	"binder-rpc/loadbalance"
	"binder-rpc/logging"
	"binder-rpc/message"
	"binder-rpc/middleware"
	"binder-rpc/protocol"
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithBalancer chooses where CachedCall starts walking a cached list.
// The default is round robin.
func WithBalancer(b loadbalance.Balancer) Option { return func(c *Client) { c.balancer = b } }

// WithMiddleware wraps every EXECUTE sent to a server.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

type Client struct {
	resolver    discovery.Resolver
	balancer    loadbalance.Balancer
	logger      *zap.Logger
	middlewares []middleware.Middleware
	invoke      middleware.HandlerFunc
	release     func() error

	mu    sync.Mutex
	cache map[args.Signature][]message.Location
}

// New creates a client that finds the binder through resolver.
func New(resolver discovery.Resolver, opts ...Option) *Client {
	c := &Client{
		resolver: resolver,
		balancer: &loadbalance.RoundRobinBalancer{},
		cache:    make(map[args.Signature][]message.Location),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Or(c.logger)
	c.invoke = middleware.Chain(c.middlewares...)(c.send)
	return c
}

// FromConfig creates a client that resolves the binder as cfg describes.
func FromConfig(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	res, release, err := cfg.Resolver(logger)
	if err != nil {
		return nil, err
	}
	c := New(res, append([]Option{WithLogger(logger)}, opts...)...)
	c.release = release
	return c, nil
}

// Close releases the resolver.
func (c *Client) Close() error {
	if c.release != nil {
		return c.release()
	}
	return nil
}

// Call asks the binder for a server of name with argv's types, then
// executes there. On success the values of every output argument are
// replaced with the server's; input-only arguments are left alone.
func (c *Client) Call(ctx context.Context, name string, argv []*args.Arg) error {
	reply, err := c.askBinder(ctx, &message.Message{Kind: message.LocRequest, Name: name, Args: typesOf(argv)})
	if err != nil {
		return err
	}
	switch reply.Kind {
	case message.LocSuccess:
	case message.LocFailure:
		return fmt.Errorf("locate %s: %w", name, reply.Reason)
	default:
		return fmt.Errorf("locate %s: unexpected reply %s: %w", name, reply.Kind, codes.ErrBadMessage)
	}
	return c.execute(ctx, reply.Location, name, argv)
}

// CachedCall is Call with the binder consulted only when needed. Cached
// locations for the signature are tried one after another; when they are
// all exhausted the cache is replaced with the binder's full list
// (LOC_CACHE) and each new location is tried once. A function that ran and
// failed (ErrFunctionCall) is returned without trying elsewhere.
func (c *Client) CachedCall(ctx context.Context, name string, argv []*args.Arg) error {
	sig := args.BuildSignature(name, args.Descriptors(argv))

	var lastErr error
	if locs := c.Cached(sig); len(locs) > 0 {
		done, err := c.tryEach(ctx, locs, name, argv)
		if done {
			return err
		}
		lastErr = err
		c.logger.Debug("cached locations exhausted", zap.String("function", name), zap.Error(err))
	}

	locs, err := c.refresh(ctx, sig, name, argv)
	if err != nil {
		if lastErr != nil {
			return fmt.Errorf("%w (after %v)", err, lastErr)
		}
		return err
	}
	_, err = c.tryEach(ctx, locs, name, argv)
	return err
}

// Cached returns a copy of the cached locations for sig.
func (c *Client) Cached(sig args.Signature) []message.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Location(nil), c.cache[sig]...)
}

// Terminate asks the binder to shut down itself and every registered
// server.
func (c *Client) Terminate(ctx context.Context) error {
	binder, err := c.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	conn, err := dial(ctx, binder)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := protocol.Send(conn, &message.Message{Kind: message.Terminate}); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	c.logger.Info("terminate sent", zap.Stringer("binder", binder))
	return nil
}

// tryEach executes at every location in turn, starting where the balancer
// says. done is false when every location failed in a way another server
// might not.
func (c *Client) tryEach(ctx context.Context, locs []message.Location, name string, argv []*args.Arg) (done bool, err error) {
	start, err := c.balancer.Pick(locs)
	if err != nil {
		return false, err
	}
	for k := range locs {
		loc := locs[(start+k)%len(locs)]
		err = c.execute(ctx, loc, name, argv)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return true, err
		}
		switch codes.Of(err) {
		case codes.ErrFunctionCall, codes.ErrBadMessage:
			return true, err
		}
		c.logger.Debug("cached location failed", zap.Stringer("location", loc), zap.Error(err))
	}
	return false, err
}

// refresh replaces the cache entry for sig with the binder's list.
func (c *Client) refresh(ctx context.Context, sig args.Signature, name string, argv []*args.Arg) ([]message.Location, error) {
	reply, err := c.askBinder(ctx, &message.Message{Kind: message.LocCache, Name: name, Args: typesOf(argv)})
	if err != nil {
		return nil, err
	}
	switch reply.Kind {
	case message.LocCacheSuccess:
	case message.LocFailure:
		c.mu.Lock()
		delete(c.cache, sig)
		c.mu.Unlock()
		return nil, fmt.Errorf("locate all %s: %w", name, reply.Reason)
	default:
		return nil, fmt.Errorf("locate all %s: unexpected reply %s: %w", name, reply.Kind, codes.ErrBadMessage)
	}

	locs, err := reply.Locations()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("locate all %s: empty list: %w", name, codes.ErrMissingFunction)
	}
	c.mu.Lock()
	c.cache[sig] = locs
	c.mu.Unlock()
	c.logger.Debug("cache refreshed", zap.String("function", name), zap.Int("locations", len(locs)))
	return locs, nil
}

// execute runs one EXECUTE through the middleware chain and copies outputs
// back on success.
func (c *Client) execute(ctx context.Context, loc message.Location, name string, argv []*args.Arg) error {
	req := &message.Message{Kind: message.Execute, Name: name, Location: loc, Args: argv}
	reply := c.invoke(ctx, req)

	switch reply.Kind {
	case message.ExecuteSuccess:
	case message.ExecuteFailure:
		return fmt.Errorf("execute %s at %s: %w", name, loc, reply.Reason)
	default:
		return fmt.Errorf("execute %s at %s: unexpected reply %s: %w", name, loc, reply.Kind, codes.ErrBadMessage)
	}

	if len(reply.Args) != len(argv) {
		return fmt.Errorf("execute %s: %d results for %d arguments: %w", name, len(reply.Args), len(argv), codes.ErrBadMessage)
	}
	for i, a := range argv {
		if !a.Desc.IsOutput() {
			continue
		}
		if err := a.CopyFrom(reply.Args[i]); err != nil {
			return fmt.Errorf("execute %s: %v: %w", name, err, codes.ErrBadMessage)
		}
	}
	return nil
}

// send is the innermost handler: one EXECUTE round trip to req.Location.
// Transport errors become an EXECUTE_FAILURE with their reason code.
func (c *Client) send(ctx context.Context, req *message.Message) *message.Message {
	reply, err := roundTrip(ctx, req.Location, req)
	if err != nil {
		c.logger.Debug("execute round trip failed", zap.Stringer("location", req.Location), zap.Error(err))
		return message.Failure(req.Kind, codes.Of(err))
	}
	return reply
}

func (c *Client) askBinder(ctx context.Context, req *message.Message) (*message.Message, error) {
	binder, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return roundTrip(ctx, binder, req)
}

// roundTrip sends req on a fresh connection to loc and reads one reply.
func roundTrip(ctx context.Context, loc message.Location, req *message.Message) (*message.Message, error) {
	conn, err := dial(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reply, err := protocol.Exchange(conn, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}
	return reply, nil
}

func dial(ctx context.Context, loc message.Location) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", loc.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", loc, err, codes.ErrSocketConnect)
	}
	return conn, nil
}

// typesOf strips values; LOC requests carry descriptors only.
func typesOf(argv []*args.Arg) []*args.Arg {
	out := make([]*args.Arg, len(argv))
	for i, a := range argv {
		out[i] = &args.Arg{Desc: a.Desc}
	}
	return out
}
