package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"binder-rpc/codes"
	"binder-rpc/logging"
	"binder-rpc/message"
	"binder-rpc/protocol"
)

// Disposition tells the engine what to do with a connection after its
// message was handled.
type Disposition int

const (
	// Keep the connection open and receive the next message on it.
	Keep Disposition = iota
	// Close the connection.
	Close
	// Release stops watching the connection without closing it; the handler
	// now owns it.
	Release
	// Stop ends the loop. Every watched connection is closed.
	Stop
)

// Handler receives completed messages and disconnects. Both methods run on
// the loop goroutine.
type Handler interface {
	HandleMessage(c *Conn, m *message.Message) Disposition
	// HandleClose is called after a watched connection failed and was
	// closed. A non-nil error stops the loop and is returned by Run.
	HandleClose(c *Conn, err error) error
}

var ErrEngineStopped = errors.New("transport: engine stopped")

type eventKind int

const (
	evAccept eventKind = iota
	evAcceptErr
	evMessage
	evClosed
)

type event struct {
	kind  eventKind
	conn  *Conn
	msg   *message.Message
	err   error
	reply chan Disposition
}

// Engine multiplexes a listener and its connections onto one loop.
type Engine struct {
	listener net.Listener
	handler  Handler
	logger   *zap.Logger

	conns   map[*Conn]struct{} // owned by the loop goroutine
	watched []*Conn
	events  chan event
	calls   chan func()
	done    chan struct{}
	running atomic.Bool
	nextID  atomic.Uint64
	wg      sync.WaitGroup
}

func NewEngine(ln net.Listener, h Handler, logger *zap.Logger) *Engine {
	logger = logging.Or(logger)
	return &Engine{
		listener: ln,
		handler:  h,
		logger:   logger,
		conns:    make(map[*Conn]struct{}),
		events:   make(chan event),
		calls:    make(chan func()),
		done:     make(chan struct{}),
	}
}

// Watch adds an already connected conn to the watched set. It must be called
// before Run.
func (e *Engine) Watch(c *Conn) {
	c.id = e.nextID.Add(1)
	e.watched = append(e.watched, c)
}

// Run drives the loop until the handler returns Stop, HandleClose fails,
// the listener breaks or ctx is done. Open connections and the listener are
// closed before Run returns. An engine runs once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("transport: engine already running")
	}
	defer e.shutdown()

	e.wg.Add(1)
	go e.acceptLoop()
	for _, c := range e.watched {
		e.add(c)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.calls:
			fn()
		case ev := <-e.events:
			if stop, err := e.dispatch(ev); stop {
				return err
			}
		}
	}
}

// Do runs fn on the loop goroutine and waits for it.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.calls <- func() { defer close(finished); fn() }:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Len is the number of watched connections. Loop goroutine only.
func (e *Engine) Len() int { return len(e.conns) }

func (e *Engine) dispatch(ev event) (bool, error) {
	switch ev.kind {
	case evAccept:
		e.logger.Debug("accepted connection", zap.Uint64("conn", ev.conn.id), zap.Stringer("remote", ev.conn.RemoteAddr()))
		e.add(ev.conn)

	case evAcceptErr:
		return true, fmt.Errorf("accept: %w: %w", ev.err, codes.ErrSocketAccept)

	case evMessage:
		d := e.handler.HandleMessage(ev.conn, ev.msg)
		switch d {
		case Close:
			e.drop(ev.conn)
			if n := ev.conn.Available(); n > 0 {
				e.logger.Debug("discarding unread bytes", zap.Uint64("conn", ev.conn.id), zap.Int("bytes", n))
			}
			ev.conn.Close()
		case Release:
			e.drop(ev.conn)
		}
		ev.reply <- d
		if d == Stop {
			return true, nil
		}

	case evClosed:
		if _, ok := e.conns[ev.conn]; !ok {
			return false, nil
		}
		e.drop(ev.conn)
		ev.conn.Close()
		e.logger.Debug("connection closed", zap.Uint64("conn", ev.conn.id), zap.Error(ev.err))
		if err := e.handler.HandleClose(ev.conn, ev.err); err != nil {
			return true, err
		}
	}
	return false, nil
}

func (e *Engine) add(c *Conn) {
	e.conns[c] = struct{}{}
	e.wg.Add(1)
	go e.readLoop(c)
}

func (e *Engine) drop(c *Conn) { delete(e.conns, c) }

func (e *Engine) shutdown() {
	close(e.done)
	e.listener.Close()
	for c := range e.conns {
		c.Close()
		delete(e.conns, c)
	}
	e.wg.Wait()
}

// post hands ev to the loop; false once the loop has exited.
func (e *Engine) post(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			e.post(event{kind: evAcceptErr, err: err})
			return
		}
		c := NewConn(nc)
		c.id = e.nextID.Add(1)
		if !e.post(event{kind: evAccept, conn: c}) {
			nc.Close()
			return
		}
	}
}

// readLoop advances c's receiver one read at a time and hands every
// completed message to the loop.
func (e *Engine) readLoop(c *Conn) {
	defer e.wg.Done()
	var rx protocol.Receiver
	for {
		if err := rx.Advance(c); err != nil {
			e.post(event{kind: evClosed, conn: c, err: err})
			return
		}
		if rx.State() != protocol.Complete {
			continue
		}

		reply := make(chan Disposition, 1)
		if !e.post(event{kind: evMessage, conn: c, msg: rx.Message(), reply: reply}) {
			return
		}
		select {
		case d := <-reply:
			if d != Keep {
				return
			}
		case <-e.done:
			return
		}
		rx.Reset()
	}
}
