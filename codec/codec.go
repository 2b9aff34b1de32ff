// Package codec converts message bodies to and from bytes.
//
// The header is handled by the protocol package; a codec only sees the body
// and the kind taken from the header.
package codec

import "binder-rpc/message"

type Codec interface {
	// Encode returns exactly m.BodyLen() bytes.
	Encode(m *message.Message) ([]byte, error)
	// Decode fills m from a body of the given kind.
	Decode(kind message.Kind, body []byte, m *message.Message) error
}

// Default is the codec used on every connection.
var Default Codec = &BinaryCodec{}
