// Package transport implements the connection multiplexing engine shared by
// the binder and the server, and the worker pool that runs server calls.
//
// The engine keeps one owner for all per-connection state:
//
//	reader(conn 1) ──Advance..Complete──┐
//	reader(conn 2) ──Advance..Complete──┼──→ loop goroutine ──→ Handler
//	accept loop    ──new conn───────────┘        │
//	                                             └── Disposition back to reader
//
// Readers block in Read on their own connection only, so a slow peer never
// delays another connection. The Handler is always invoked from the loop
// goroutine, which lets the binder mutate its registry without locks.
package transport

import (
	"bufio"
	"net"
)

const readBufferSize = 4096

// Conn is a connection watched by an Engine. Reads go through a buffer so the
// number of already-received bytes can be inspected without consuming them.
type Conn struct {
	net.Conn
	id uint64
	br *bufio.Reader
}

// NewConn wraps nc. Engines assign ids to connections they accept; conns
// created here and passed to Engine.Watch get one as well.
func NewConn(nc net.Conn) *Conn {
	return &Conn{Conn: nc, br: bufio.NewReaderSize(nc, readBufferSize)}
}

func (c *Conn) Read(p []byte) (int, error) { return c.br.Read(p) }

// Available reports how many bytes sit in the read buffer. Bytes the kernel
// has received but not yet handed to the buffer are not counted.
func (c *Conn) Available() int { return c.br.Buffered() }

func (c *Conn) ID() uint64 { return c.id }
