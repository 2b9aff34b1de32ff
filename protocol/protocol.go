// Package protocol implements the frame layer shared by binder, server and
// client.
//
// Every frame is a fixed 8-byte header followed by a body whose layout is
// selected by the kind:
//
//	0         4         8
//	┌─────────┬─────────┬───────────────┐
//	│ bodyLen │  kind   │   body ...    │
//	│  int32  │  int32  │ bodyLen bytes │
//	└─────────┴─────────┴───────────────┘
//
// Integers are big-endian. Receiving is incremental: a Receiver is advanced
// one read at a time and can be resumed after any partial read.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"binder-rpc/codec"
	"binder-rpc/codes"
	"binder-rpc/message"
)

const HeaderSize = 8

// MaxBodyLen bounds the allocation a peer can trigger with one header.
const MaxBodyLen = 16 << 20

// Frame encodes m as header plus body.
func Frame(m *message.Message) ([]byte, error) {
	body, err := codec.Default.Encode(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Kind))
	return append(buf, body...), nil
}

// Send writes the whole frame, blocking until every byte is written. A short
// or failed write is ErrMessageSend.
func Send(w io.Writer, m *message.Message) error {
	frame, err := Frame(m)
	if err != nil {
		return err
	}
	for sent := 0; sent < len(frame); {
		n, err := w.Write(frame[sent:])
		if n <= 0 || err != nil {
			if err == nil {
				err = io.ErrShortWrite
			}
			return fmt.Errorf("send %s: %w: %w", m.Kind, err, codes.ErrMessageSend)
		}
		sent += n
	}
	return nil
}

// Recv blocks until a whole message has been read from r.
func Recv(r io.Reader) (*message.Message, error) {
	var rx Receiver
	for rx.State() != Complete {
		if err := rx.Advance(r); err != nil {
			return nil, err
		}
	}
	return rx.Message(), nil
}

// Exchange sends req and blocks for the reply on the same stream.
func Exchange(rw io.ReadWriter, req *message.Message) (*message.Message, error) {
	if err := Send(rw, req); err != nil {
		return nil, err
	}
	return Recv(rw)
}
