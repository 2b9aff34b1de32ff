// Package binder implements the name service servers register with and
// clients look functions up in.
//
// Connection lifecycle as seen by the binder:
//
//	server ──REGISTER──→ reply, link kept open ──(disconnect)──→ Cleanup
//	client ──LOC_REQUEST / LOC_CACHE──→ reply, closed
//	client ──TERMINATE──→ TERMINATE to every server link, binder stops
//
// All registry state is owned by the engine loop goroutine; the admin API
// reaches it through Engine.Do.
package binder

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/logging"
	"binder-rpc/message"
	"binder-rpc/protocol"
	"binder-rpc/registry"
	"binder-rpc/transport"
)

// HealthService is the gRPC health service name the binder reports under,
// besides the server-wide "".
const HealthService = "binder-rpc.Binder"

// terminateTimeout bounds each TERMINATE write to a server link.
const terminateTimeout = time.Second

type Option func(*Binder)

func WithLogger(l *zap.Logger) Option { return func(b *Binder) { b.logger = l } }

type Binder struct {
	logger   *zap.Logger
	location message.Location
	engine   *transport.Engine
	health   *health.Server

	// Owned by the engine loop goroutine.
	db         *registry.Database
	links      map[*transport.Conn][]message.Location
	prototypes map[args.Signature]string
	stats      Stats
}

// Stats counts what the binder has done since it started.
type Stats struct {
	Registrations uint64
	Duplicates    uint64
	Lookups       uint64
	CacheLookups  uint64
	Failures      uint64
	Cleanups      uint64
}

// New creates a binder serving ln and advertised as host.
func New(ln net.Listener, host string, opts ...Option) *Binder {
	b := &Binder{
		health:     health.NewServer(),
		db:         registry.New(),
		links:      make(map[*transport.Conn][]message.Location),
		prototypes: make(map[args.Signature]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Or(b.logger)
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	b.location = message.Location{Identifier: host, Port: int32(port)}
	b.engine = transport.NewEngine(ln, b, b.logger)
	b.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	return b
}

// Listen opens an ephemeral port and returns a binder on it. An empty host
// is replaced with the machine's hostname.
func Listen(ctx context.Context, host string, opts ...Option) (*Binder, error) {
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w: %w", err, codes.ErrHostname)
		}
		host = h
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w: %w", err, codes.ErrSocketListen)
	}
	return New(ln, host, opts...), nil
}

// Addr is where servers and clients reach the binder.
func (b *Binder) Addr() message.Location { return b.location }

// Health is the gRPC health service tracking the binder loop.
func (b *Binder) Health() *health.Server { return b.health }

// Run serves until TERMINATE (nil) or ctx is done. The listener and every
// connection are closed when it returns.
func (b *Binder) Run(ctx context.Context) error {
	b.setServing(healthpb.HealthCheckResponse_SERVING)
	b.logger.Info("binder running", zap.Stringer("addr", b.location))
	err := b.engine.Run(ctx)
	b.health.Shutdown()
	if err != nil {
		b.logger.Warn("binder stopped", zap.Error(err))
		return err
	}
	b.logger.Info("binder terminated")
	return nil
}

func (b *Binder) setServing(s healthpb.HealthCheckResponse_ServingStatus) {
	b.health.SetServingStatus("", s)
	b.health.SetServingStatus(HealthService, s)
}

func (b *Binder) HandleMessage(c *transport.Conn, m *message.Message) transport.Disposition {
	_, isLink := b.links[c]
	d := transport.Close
	if isLink {
		d = transport.Keep
	}

	switch m.Kind {
	case message.Register:
		return b.register(c, m)

	case message.LocRequest:
		b.stats.Lookups++
		loc, err := b.db.Locate(m.Signature())
		if err != nil {
			b.stats.Failures++
			b.logger.Debug("lookup failed", zap.String("function", args.Format(m.Name, m.Descriptors())))
			b.reply(c, message.Failure(m.Kind, codes.Of(err)))
			return d
		}
		b.reply(c, &message.Message{Kind: message.LocSuccess, Location: loc})
		return d

	case message.LocCache:
		b.stats.CacheLookups++
		locs, err := b.db.LocateAll(m.Signature())
		if err != nil {
			b.stats.Failures++
			b.reply(c, message.Failure(m.Kind, codes.Of(err)))
			return d
		}
		b.reply(c, &message.Message{Kind: message.LocCacheSuccess, Args: message.LocationArgs(locs)})
		return d

	case message.Terminate:
		b.terminate()
		return transport.Stop
	}

	b.logger.Warn("unexpected message", zap.Stringer("kind", m.Kind), zap.Stringer("remote", c.RemoteAddr()))
	return d
}

func (b *Binder) register(c *transport.Conn, m *message.Message) transport.Disposition {
	proto := args.Format(m.Name, m.Descriptors())
	if m.Location.Identifier == "" || m.Location.Port <= 0 || m.Name == "" {
		b.stats.Failures++
		b.logger.Warn("rejecting registration", zap.String("function", proto), zap.Stringer("location", m.Location))
		b.reply(c, message.Failure(m.Kind, codes.ErrBadMessage))
		if _, ok := b.links[c]; ok {
			return transport.Keep
		}
		return transport.Close
	}

	sig := m.Signature()
	code := b.db.Register(m.Location, sig)
	if _, ok := b.prototypes[sig]; !ok {
		b.prototypes[sig] = proto
	}
	if !slices.Contains(b.links[c], m.Location) {
		b.links[c] = append(b.links[c], m.Location)
	}
	if code == codes.WarnDuplicateFunction {
		b.stats.Duplicates++
	} else {
		b.stats.Registrations++
	}
	b.logger.Info("registered", zap.String("function", proto), zap.Stringer("location", m.Location), zap.Int32("reason", int32(code)))
	b.reply(c, &message.Message{Kind: message.RegisterSuccess, Reason: code})
	return transport.Keep
}

func (b *Binder) HandleClose(c *transport.Conn, err error) error {
	locs, ok := b.links[c]
	if !ok {
		return nil
	}
	delete(b.links, c)
	for _, loc := range locs {
		n := b.db.Cleanup(loc)
		b.stats.Cleanups++
		b.logger.Info("server gone", zap.Stringer("location", loc), zap.Int("signatures", n), zap.Error(err))
	}
	for sig := range b.prototypes {
		if _, err := b.db.LocateAll(sig); err != nil {
			delete(b.prototypes, sig)
		}
	}
	return nil
}

// terminate forwards TERMINATE to every registered server.
func (b *Binder) terminate() {
	b.logger.Info("terminating", zap.Int("servers", len(b.links)))
	b.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	for c := range b.links {
		c.SetWriteDeadline(time.Now().Add(terminateTimeout))
		if err := protocol.Send(c, &message.Message{Kind: message.Terminate}); err != nil {
			b.logger.Warn("terminate not delivered", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
		}
	}
}

func (b *Binder) reply(c *transport.Conn, m *message.Message) {
	if err := protocol.Send(c, m); err != nil {
		b.logger.Debug("reply failed", zap.Stringer("kind", m.Kind), zap.Error(err))
	}
}

// Entry is a registry entry with its readable prototype.
type Entry struct {
	Function  string
	Locations []message.Location
	Next      int
}

// Snapshot copies the registry. It blocks until the loop runs it.
func (b *Binder) Snapshot(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := b.engine.Do(ctx, func() {
		for _, e := range b.db.Snapshot() {
			out = append(out, Entry{Function: b.prototypes[e.Signature], Locations: e.Locations, Next: e.Next})
		}
	})
	return out, err
}

// Lookup lists the servers of name with argument types descs without moving
// the rotation.
func (b *Binder) Lookup(ctx context.Context, name string, descs []args.Descriptor) ([]message.Location, error) {
	sig := args.BuildSignature(name, descs)
	var (
		locs    []message.Location
		findErr error
	)
	if err := b.engine.Do(ctx, func() { locs, findErr = b.db.LocateAll(sig) }); err != nil {
		return nil, err
	}
	return locs, findErr
}

// Status is a point-in-time view of the binder.
type Status struct {
	Stats
	Signatures  int
	Servers     int
	Connections int
}

func (b *Binder) Status(ctx context.Context) (Status, error) {
	var s Status
	err := b.engine.Do(ctx, func() {
		s = Status{Stats: b.stats, Signatures: b.db.Len(), Servers: b.db.Servers(), Connections: b.engine.Len()}
	})
	return s, err
}
