// Package server registers functions with the binder and executes calls
// from clients.
//
// Call processing pipeline:
//
//	Engine loop (accept, assemble EXECUTE frames)
//	  → WorkerPool.Go (bounded parallel processing)
//	    → Middleware Chain → dispatch (skeleton lookup + call) → reply → close
//
// The connection to the binder stays watched by the same engine. TERMINATE on
// it stops the server once in-flight calls have replied; losing it stops the
// server with ErrLostBinder.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/config"
	"binder-rpc/discovery"
	"binder-rpc/logging"
	"binder-rpc/message"
	"binder-rpc/middleware"
	"binder-rpc/protocol"
	"binder-rpc/transport"
)

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithWorkers bounds the number of calls executing at once.
func WithWorkers(n int) Option { return func(s *Server) { s.workers = n } }

// WithAdvertiseHost sets the identifier registered with the binder instead
// of the machine's hostname.
func WithAdvertiseHost(host string) Option { return func(s *Server) { s.advertiseHost = host } }

// Server is a function host. The zero value is not usable; call New.
type Server struct {
	resolver      discovery.Resolver
	logger        *zap.Logger
	workers       int
	advertiseHost string
	release       func() error // frees the resolver's resources, if any

	mu       sync.Mutex
	binder   *transport.Conn
	listener net.Listener
	location message.Location

	skeletons   skeletonTable
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	pool        *transport.WorkerPool
	running     atomic.Bool
}

// New creates a server that finds its binder through resolver.
func New(resolver discovery.Resolver, opts ...Option) *Server {
	s := &Server{resolver: resolver}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Or(s.logger)
	s.pool = transport.NewWorkerPool(s.workers)
	return s
}

// FromConfig creates a server from cfg: the binder is resolved from the
// configured address or from etcd, and the advertise host and worker count
// are applied.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	res, release, err := cfg.Resolver(logger)
	if err != nil {
		return nil, err
	}
	s := New(res, WithLogger(logger), WithWorkers(cfg.Workers), WithAdvertiseHost(cfg.AdvertiseHost))
	s.release = release
	return s, nil
}

// Init connects to the binder and opens the listener clients will call,
// on an ephemeral port.
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binder != nil {
		return errors.New("server: already initialized")
	}

	host := s.advertiseHost
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("hostname: %w: %w", err, codes.ErrHostname)
		}
		host = h
	}

	binderLoc, err := s.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", binderLoc.String())
	if err != nil {
		return fmt.Errorf("dial binder %s: %w: %w", binderLoc, err, codes.ErrSocketConnect)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ":0")
	if err != nil {
		nc.Close()
		return fmt.Errorf("listen: %w: %w", err, codes.ErrSocketListen)
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		nc.Close()
		ln.Close()
		return fmt.Errorf("listener address %v: %w", ln.Addr(), codes.ErrSocketName)
	}

	s.binder = transport.NewConn(nc)
	s.listener = ln
	s.location = message.Location{Identifier: host, Port: int32(addr.Port)}
	s.logger = s.logger.With(zap.Stringer("server", s.location))
	s.logger.Info("server initialized", zap.Stringer("binder", binderLoc))
	return nil
}

// Addr is the location registered with the binder. Zero before Init.
func (s *Server) Addr() message.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// Use appends a middleware around call dispatch. Middlewares run in the
// order added and must be installed before Execute.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Register announces name with argument types descs to the binder and
// stores fn to serve it. descs may end with args.End.
//
// The returned code is OK or WarnDuplicateFunction when the binder already
// had this location for the signature. A REGISTER_FAILURE reply is returned
// both as code and error. fn is stored whenever the binder answered.
// Registration is only possible between Init and Execute. Names longer than
// message.NameSize are truncated.
func (s *Server) Register(ctx context.Context, name string, descs []args.Descriptor, fn Skeleton) (codes.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binder == nil {
		return codes.ErrNotConnectedBinder, codes.ErrNotConnectedBinder
	}
	if s.running.Load() {
		return codes.ErrServerNotRunning, errors.New("server: Register after Execute")
	}

	// The binder and every EXECUTE only see the truncated name.
	name = message.Truncate(name, message.NameSize)
	descs = descs[:args.Count(descs)]
	req := &message.Message{Kind: message.Register, Name: name, Location: s.location}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return codes.ErrBadMessage, fmt.Errorf("register %s: %w: %w", name, err, codes.ErrBadMessage)
		}
		req.Args = append(req.Args, &args.Arg{Desc: d})
	}

	if dl, ok := ctx.Deadline(); ok {
		s.binder.SetDeadline(dl)
		defer s.binder.SetDeadline(time.Time{})
	}
	reply, err := protocol.Exchange(s.binder, req)
	if err != nil {
		return codes.Of(err), fmt.Errorf("register %s: %w", name, err)
	}

	proto := args.Format(name, descs)
	s.skeletons.put(name, descs, fn)

	switch reply.Kind {
	case message.RegisterSuccess:
		if reply.Reason == codes.WarnDuplicateFunction {
			s.logger.Warn("function already registered", zap.String("function", proto))
		} else {
			s.logger.Debug("function registered", zap.String("function", proto))
		}
		return reply.Reason, nil
	case message.RegisterFailure:
		return reply.Reason, fmt.Errorf("register %s: %w", proto, reply.Reason)
	}
	return codes.ErrBadMessage, fmt.Errorf("register %s: unexpected reply %s: %w", proto, reply.Kind, codes.ErrBadMessage)
}

// Execute serves calls until the binder sends TERMINATE (nil), the binder
// link is lost (ErrLostBinder) or ctx is done. In-flight calls finish
// before Execute returns. A server executes once.
func (s *Server) Execute(ctx context.Context) error {
	s.mu.Lock()
	binder, ln := s.binder, s.listener
	if binder == nil {
		s.mu.Unlock()
		return codes.ErrServerNotRunning
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return errors.New("server: already executing")
	}
	s.mu.Unlock()
	defer s.closeResolver()

	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.logger.Info("serving", zap.Int("functions", s.skeletons.len()), zap.Int("workers", s.pool.Size()))

	engine := transport.NewEngine(ln, &handler{s: s, ctx: ctx}, s.logger)
	engine.Watch(binder)
	err := engine.Run(ctx)

	s.pool.Wait()
	if err != nil {
		s.logger.Warn("server stopped", zap.Error(err))
		return err
	}
	s.logger.Info("server terminated")
	return nil
}

// Close releases the listener and binder link of a server that never
// executed, and the resolver.
func (s *Server) Close() error {
	if !s.running.Load() {
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		if s.binder != nil {
			s.binder.Close()
		}
		s.mu.Unlock()
	}
	return s.closeResolver()
}

func (s *Server) closeResolver() error {
	s.mu.Lock()
	release := s.release
	s.release = nil
	s.mu.Unlock()
	if release != nil {
		return release()
	}
	return nil
}

// dispatch is the innermost handler: it runs the skeleton registered for the
// call's signature.
func (s *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	if g, ok := ctx.Value(guardKey{}).(*callGuard); ok {
		if !g.enter() {
			return message.Failure(req.Kind, codes.ErrServerNotRunning)
		}
		defer g.wg.Done()
	}
	sk, ok := s.skeletons.get(req.Signature())
	if !ok {
		return message.Failure(req.Kind, codes.ErrMissingFunction)
	}
	status, err := sk.call(req.Args)
	if err != nil {
		s.logger.Error("function panicked", zap.Error(err))
		return message.Failure(req.Kind, codes.ErrFunctionCall)
	}
	if status < 0 {
		return message.Failure(req.Kind, codes.ErrFunctionCall)
	}
	return &message.Message{Kind: message.ExecuteSuccess, Name: req.Name, Args: req.Args}
}

// handler adapts Server to transport.Handler. ctx is the Execute context.
type handler struct {
	s   *Server
	ctx context.Context
}

func (h *handler) HandleMessage(c *transport.Conn, m *message.Message) transport.Disposition {
	s := h.s
	fromBinder := c == s.binder

	switch m.Kind {
	case message.Execute:
		if fromBinder {
			s.logger.Warn("ignoring EXECUTE from binder")
			return transport.Keep
		}
		s.pool.Go(func() { h.serve(c, m) })
		return transport.Release

	case message.Terminate:
		if fromBinder {
			s.logger.Info("terminate received from binder")
			return transport.Stop
		}
		s.logger.Warn("ignoring TERMINATE from non-binder connection", zap.Stringer("remote", c.RemoteAddr()))
		return transport.Close
	}

	s.logger.Warn("unexpected message", zap.Stringer("kind", m.Kind), zap.Bool("binder", fromBinder))
	if fromBinder {
		return transport.Keep
	}
	protocol.Send(c, message.Failure(m.Kind, codes.ErrBadMessage))
	return transport.Close
}

func (h *handler) HandleClose(c *transport.Conn, err error) error {
	if c == h.s.binder {
		return fmt.Errorf("binder link: %w: %w", err, codes.ErrLostBinder)
	}
	return nil
}

// callGuard joins the skeletons a middleware chain runs for one call, even
// when a middleware replied without waiting for them.
type callGuard struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type guardKey struct{}

// enter reports whether a skeleton may still start for this call.
func (g *callGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

// close forbids further skeletons and waits for the running ones.
func (g *callGuard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// serve runs one call on a worker and replies on c, then closes it. The
// worker slot is held until every skeleton started for the call returned.
func (h *handler) serve(c *transport.Conn, req *message.Message) {
	g := &callGuard{}
	defer g.close()
	defer c.Close()
	reply := h.s.handler(context.WithValue(h.ctx, guardKey{}, g), req)
	if err := protocol.Send(c, reply); err != nil {
		h.s.logger.Warn("reply failed", zap.String("function", req.Name), zap.Error(err))
	}
}
