// Package message defines the messages exchanged between binder, servers and
// clients.
//
// Message is the in-memory form of every frame. The codec package turns its
// fields into a body, and the protocol package wraps that body in the 8-byte
// header {body length, kind}.
package message

import (
	"fmt"
	"net"
	"strconv"

	"binder-rpc/args"
	"binder-rpc/codes"
)

// Fixed widths of the NUL-padded string fields.
const (
	NameSize       = 64
	IdentifierSize = 48
)

// Truncate cuts s to the width of its wire field. Names and identifiers
// longer than their field travel, and are matched, in this form.
func Truncate(s string, width int) string {
	if len(s) > width {
		return s[:width]
	}
	return s
}

// Kind is the message type carried in the header.
type Kind int32

const (
	None Kind = iota
	Register
	RegisterSuccess
	RegisterFailure
	LocRequest
	LocSuccess
	LocFailure
	Execute
	ExecuteSuccess
	ExecuteFailure
	Terminate
	LocCache
	LocCacheSuccess
)

var kindNames = [...]string{
	None:            "NONE",
	Register:        "REGISTER",
	RegisterSuccess: "REGISTER_SUCCESS",
	RegisterFailure: "REGISTER_FAILURE",
	LocRequest:      "LOC_REQUEST",
	LocSuccess:      "LOC_SUCCESS",
	LocFailure:      "LOC_FAILURE",
	Execute:         "EXECUTE",
	ExecuteSuccess:  "EXECUTE_SUCCESS",
	ExecuteFailure:  "EXECUTE_FAILURE",
	Terminate:       "TERMINATE",
	LocCache:        "LOC_CACHE",
	LocCacheSuccess: "LOC_CACHE_SUCCESS",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", int32(k))
}

func (k Kind) Valid() bool { return k > None && k <= LocCacheSuccess }

// IsFailure reports whether k is one of the *_FAILURE replies.
func (k Kind) IsFailure() bool {
	return k == RegisterFailure || k == LocFailure || k == ExecuteFailure
}

// FailureOf is the failure reply kind for a request kind.
func FailureOf(req Kind) Kind {
	switch req {
	case Register, RegisterSuccess, RegisterFailure:
		return RegisterFailure
	case LocRequest, LocSuccess, LocFailure, LocCache, LocCacheSuccess:
		return LocFailure
	default:
		return ExecuteFailure
	}
}

// Location names a reachable server.
type Location struct {
	Identifier string
	Port       int32
}

func (l Location) String() string {
	return net.JoinHostPort(l.Identifier, strconv.Itoa(int(l.Port)))
}

// Message carries one frame. Which fields are meaningful depends on Kind:
//
//   - REGISTER:                    Location, Name, Args (descriptors only)
//   - LOC_REQUEST, LOC_CACHE:      Name, Args (descriptors only)
//   - LOC_SUCCESS:                 Location
//   - EXECUTE, EXECUTE_SUCCESS:    Name, Args (descriptors and values)
//   - LOC_CACHE_SUCCESS:           Args (location pairs, see Locations)
//   - *_FAILURE, REGISTER_SUCCESS: Reason
//
// On an EXECUTE built by a client, Location names the target server. It is
// never encoded for that kind.
type Message struct {
	Kind     Kind
	Name     string
	Location Location
	Reason   codes.Code
	Args     []*args.Arg
}

// Descriptors returns the argument descriptors in order.
func (m *Message) Descriptors() []args.Descriptor {
	return args.Descriptors(m.Args)
}

// Signature of the function named by the message.
func (m *Message) Signature() args.Signature {
	return args.BuildSignature(m.Name, m.Descriptors())
}

// HasValues reports whether the kind carries argument value bytes.
func (k Kind) HasValues() bool {
	return k == Execute || k == ExecuteSuccess || k == LocCacheSuccess
}

// HasArgTypes reports whether the kind carries argcount+descriptors.
func (k Kind) HasArgTypes() bool {
	switch k {
	case Register, LocRequest, LocCache, Execute, ExecuteSuccess, LocCacheSuccess:
		return true
	}
	return false
}

// BodyLen is derived from the kind and the argument list each time it is
// called, so it always matches the fields that will be sent.
func (m *Message) BodyLen() int {
	n := 0
	switch m.Kind {
	case Register:
		n = IdentifierSize + 4 + NameSize
	case RegisterSuccess, RegisterFailure, LocFailure, ExecuteFailure:
		return 4
	case LocRequest, LocCache, Execute, ExecuteSuccess:
		n = NameSize
	case LocSuccess:
		return IdentifierSize + 4
	case LocCacheSuccess:
	default:
		return 0
	}
	n += 4 + 4*len(m.Args)
	if m.Kind.HasValues() {
		for _, a := range m.Args {
			n += a.Desc.Size()
		}
	}
	return n
}

// Failure builds the failure reply for req with the given reason.
func Failure(req Kind, reason codes.Code) *Message {
	return &Message{Kind: FailureOf(req), Reason: reason}
}

func (m *Message) String() string {
	switch {
	case m.Kind.IsFailure() || m.Kind == RegisterSuccess:
		return fmt.Sprintf("%s reason=%d", m.Kind, int32(m.Reason))
	case m.Kind == LocSuccess:
		return fmt.Sprintf("%s %s", m.Kind, m.Location)
	case m.Name != "":
		return fmt.Sprintf("%s %s", m.Kind, args.Format(m.Name, m.Descriptors()))
	}
	return m.Kind.String()
}
