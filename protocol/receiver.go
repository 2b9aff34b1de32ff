package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"binder-rpc/codec"
	"binder-rpc/codes"
	"binder-rpc/message"
)

// State of a Receiver.
type State int

const (
	AwaitingHeader State = iota
	AwaitingBody
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingBody:
		return "awaiting-body"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Receiver assembles one message from partial reads. The zero value is
// ready to receive a header.
type Receiver struct {
	state  State
	header [HeaderSize]byte
	body   []byte
	n      int // bytes filled in the current sub-buffer
	kind   message.Kind
	msg    *message.Message
}

func (r *Receiver) State() State { return r.state }

// Needed is the number of bytes still missing from the current sub-buffer.
func (r *Receiver) Needed() int {
	switch r.state {
	case AwaitingHeader:
		return HeaderSize - r.n
	case AwaitingBody:
		return len(r.body) - r.n
	}
	return 0
}

// Message returns the parsed message once the state is Complete.
func (r *Receiver) Message() *message.Message { return r.msg }

// Reset prepares the receiver for the next message, dropping any buffers.
func (r *Receiver) Reset() { *r = Receiver{} }

// Advance issues a single Read for the bytes still missing from the header
// or the body and updates the state. A read that yields no bytes is
// ErrMessageRecv; the receiver must not be advanced again after an error.
func (r *Receiver) Advance(src io.Reader) error {
	switch r.state {
	case AwaitingHeader:
		if err := r.fill(src, r.header[:]); err != nil {
			return err
		}
		if r.n < HeaderSize {
			return nil
		}
		return r.headerDone()
	case AwaitingBody:
		if err := r.fill(src, r.body); err != nil {
			return err
		}
		if r.n < len(r.body) {
			return nil
		}
		return r.finish(r.body)
	}
	return nil
}

func (r *Receiver) fill(src io.Reader, buf []byte) error {
	k, err := src.Read(buf[r.n:])
	if k <= 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return fmt.Errorf("recv %s: %w: %w", r.state, err, codes.ErrMessageRecv)
	}
	r.n += k
	return nil
}

func (r *Receiver) headerDone() error {
	length := int32(binary.BigEndian.Uint32(r.header[0:4]))
	r.kind = message.Kind(binary.BigEndian.Uint32(r.header[4:8]))
	if !r.kind.Valid() {
		return fmt.Errorf("recv header: unknown kind %d: %w", int32(r.kind), codes.ErrBadMessage)
	}
	if length < 0 || length > MaxBodyLen {
		return fmt.Errorf("recv header: body length %d out of range: %w", length, codes.ErrBadMessage)
	}

	r.n = 0
	if length == 0 {
		return r.finish(nil)
	}
	r.body = make([]byte, length)
	r.state = AwaitingBody
	return nil
}

func (r *Receiver) finish(body []byte) error {
	m := &message.Message{}
	if err := codec.Default.Decode(r.kind, body, m); err != nil {
		return err
	}
	r.msg = m
	r.body = nil
	r.n = 0
	r.state = Complete
	return nil
}
