package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/message"
)

// BinaryCodec lays fields out back to back, integers big-endian:
//
//	REGISTER           identifier[48] port name[64] argc desc...
//	LOC_REQUEST        name[64] argc desc...
//	LOC_SUCCESS        identifier[48] port
//	EXECUTE(_SUCCESS)  name[64] argc desc... values...
//	LOC_CACHE_SUCCESS  argc desc... values...
//	*_FAILURE          reason
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(m *message.Message) ([]byte, error) {
	for i, a := range m.Args {
		if err := a.Desc.Validate(); err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %v: %w", m.Kind, i, err, codes.ErrBadMessage)
		}
		if m.Kind.HasValues() && len(a.Data) != a.Desc.Size() {
			return nil, fmt.Errorf("encode %s arg %d: %d value bytes for %v: %w",
				m.Kind, i, len(a.Data), a.Desc, codes.ErrBadMessage)
		}
	}

	buf := make([]byte, 0, m.BodyLen())
	switch m.Kind {
	case message.Register:
		buf = putFixed(buf, m.Location.Identifier, message.IdentifierSize)
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Location.Port))
		buf = putFixed(buf, m.Name, message.NameSize)
		buf = putArgTypes(buf, m.Args)
	case message.RegisterSuccess, message.RegisterFailure, message.LocFailure, message.ExecuteFailure:
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Reason))
	case message.LocRequest, message.LocCache:
		buf = putFixed(buf, m.Name, message.NameSize)
		buf = putArgTypes(buf, m.Args)
	case message.LocSuccess:
		buf = putFixed(buf, m.Location.Identifier, message.IdentifierSize)
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Location.Port))
	case message.Execute, message.ExecuteSuccess:
		buf = putFixed(buf, m.Name, message.NameSize)
		buf = putArgTypes(buf, m.Args)
		buf = putValues(buf, m.Args)
	case message.LocCacheSuccess:
		buf = putArgTypes(buf, m.Args)
		buf = putValues(buf, m.Args)
	}
	return buf, nil
}

// putFixed appends s NUL-padded to width bytes; longer values are truncated.
func putFixed(buf []byte, s string, width int) []byte {
	s = message.Truncate(s, width)
	buf = append(buf, s...)
	return append(buf, make([]byte, width-len(s))...)
}

func putArgTypes(buf []byte, argv []*args.Arg) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(argv)))
	for _, a := range argv {
		buf = binary.BigEndian.AppendUint32(buf, uint32(a.Desc))
	}
	return buf
}

func putValues(buf []byte, argv []*args.Arg) []byte {
	for _, a := range argv {
		buf = append(buf, a.Data...)
	}
	return buf
}

func (c *BinaryCodec) Decode(kind message.Kind, body []byte, m *message.Message) error {
	r := &reader{data: body}
	m.Kind = kind
	m.Args = nil

	switch kind {
	case message.Register:
		m.Location.Identifier = r.fixed(message.IdentifierSize)
		m.Location.Port = r.int32()
		m.Name = r.fixed(message.NameSize)
		r.argTypes(m)
	case message.RegisterSuccess, message.RegisterFailure, message.LocFailure, message.ExecuteFailure:
		m.Reason = codes.Code(r.int32())
	case message.LocRequest, message.LocCache:
		m.Name = r.fixed(message.NameSize)
		r.argTypes(m)
	case message.LocSuccess:
		m.Location.Identifier = r.fixed(message.IdentifierSize)
		m.Location.Port = r.int32()
	case message.Execute, message.ExecuteSuccess:
		m.Name = r.fixed(message.NameSize)
		r.argTypes(m)
		r.values(m)
	case message.LocCacheSuccess:
		r.argTypes(m)
		r.values(m)
	case message.Terminate:
	default:
		return fmt.Errorf("decode: unknown kind %d: %w", int32(kind), codes.ErrBadMessage)
	}

	if r.err != nil {
		return fmt.Errorf("decode %s: %v: %w", kind, r.err, codes.ErrBadMessage)
	}
	if r.off != len(body) {
		return fmt.Errorf("decode %s: %d trailing bytes: %w", kind, len(body)-r.off, codes.ErrBadMessage)
	}
	return nil
}

// reader consumes a body front to back; the first short read sticks in err
// and every later call returns zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) fixed(width int) string {
	b := r.take(width)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *reader) argTypes(m *message.Message) {
	n := int(r.int32())
	if r.err != nil {
		return
	}
	if n < 0 || n > (len(r.data)-r.off)/4 {
		r.err = fmt.Errorf("argument count %d does not fit body", n)
		return
	}
	m.Args = make([]*args.Arg, n)
	for i := range m.Args {
		d := args.Descriptor(uint32(r.int32()))
		if err := d.Validate(); err != nil {
			r.err = err
			return
		}
		m.Args[i] = &args.Arg{Desc: d}
	}
}

func (r *reader) values(m *message.Message) {
	for _, a := range m.Args {
		b := r.take(a.Desc.Size())
		if b == nil {
			return
		}
		a.Data = bytes.Clone(b)
	}
}
