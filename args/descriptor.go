// Package args implements the argument descriptors that make every call
// self-describing on the wire.
//
// A Descriptor packs an argument's primitive type, its direction and its
// array length into 32 bits:
//
//	 31  30  29 .. 24  23 .. 16  15 .. 0
//	┌───┬───┬─────────┬─────────┬──────────────┐
//	│ in│out│ unused  │  type   │ array length │
//	└───┴───┴─────────┴─────────┴──────────────┘
//
// Array length 0 means scalar. The zero Descriptor terminates a list.
package args

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Type is the primitive type tag stored in bits 16-23.
type Type uint8

const (
	Char   Type = 1
	Short  Type = 2
	Int    Type = 3
	Long   Type = 4
	Double Type = 5
	Float  Type = 6
)

func (t Type) String() string {
	switch t {
	case Char:
		return "char"
	case Short:
		return "short"
	case Int:
		return "int"
	case Long:
		return "long"
	case Double:
		return "double"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// size of one element on the wire. Long is always 8 bytes.
func (t Type) size() (int, bool) {
	switch t {
	case Char:
		return 1, true
	case Short:
		return 2, true
	case Int, Float:
		return 4, true
	case Long, Double:
		return 8, true
	}
	return 0, false
}

// Direction holds the input/output bits.
type Direction uint32

const (
	Input  Direction = 1 << 31
	Output Direction = 1 << 30
	InOut            = Input | Output
)

const (
	typeShift   = 16
	typeMask    = 0xFF << typeShift
	lengthMask  = 0xFFFF
	MaxArrayLen = lengthMask - 1
)

// End is the end-of-list sentinel.
const End Descriptor = 0

// Descriptor is a packed argument type.
type Descriptor uint32

// Scalar builds a descriptor for a single value.
func Scalar(t Type, dir Direction) Descriptor {
	return Descriptor(uint32(dir) | uint32(t)<<typeShift)
}

// Array builds a descriptor for n values. n must be in [1, MaxArrayLen];
// 0xFFFF is reserved as the signature wildcard.
func Array(t Type, dir Direction, n int) Descriptor {
	if n < 1 || n > MaxArrayLen {
		panic(fmt.Sprintf("args: array length %d out of range", n))
	}
	return Scalar(t, dir) | Descriptor(n)
}

func (d Descriptor) Type() Type { return Type((uint32(d) & typeMask) >> typeShift) }

func (d Descriptor) IsType(t Type) bool { return d.Type() == t }

func (d Descriptor) IsInput() bool { return uint32(d)&uint32(Input) != 0 }

func (d Descriptor) IsOutput() bool { return uint32(d)&uint32(Output) != 0 }

func (d Descriptor) ArrayLen() int { return int(uint32(d) & lengthMask) }

func (d Descriptor) IsArray() bool { return d.ArrayLen() != 0 }

// Elems is the number of values the argument holds: max(ArrayLen, 1).
func (d Descriptor) Elems() int {
	if n := d.ArrayLen(); n > 0 {
		return n
	}
	return 1
}

// Validate reports whether the type tag is known. Decoders call it before
// trusting Size on bytes that came off the wire.
func (d Descriptor) Validate() error {
	if _, ok := d.Type().size(); !ok {
		return fmt.Errorf("args: unknown type tag %d in descriptor %#08x", uint8(d.Type()), uint32(d))
	}
	return nil
}

// Size is the number of value bytes the argument occupies on the wire.
// An unknown type tag is an internal consistency failure and panics.
func (d Descriptor) Size() int {
	sz, ok := d.Type().size()
	if !ok {
		panic(fmt.Sprintf("args: size of unknown type tag %d", uint8(d.Type())))
	}
	return d.Elems() * sz
}

func (d Descriptor) String() string {
	var b strings.Builder
	switch {
	case d.IsInput() && d.IsOutput():
		b.WriteString("inout ")
	case d.IsInput():
		b.WriteString("in ")
	case d.IsOutput():
		b.WriteString("out ")
	}
	b.WriteString(d.Type().String())
	if d.IsArray() {
		fmt.Fprintf(&b, "[%d]", d.ArrayLen())
	}
	return b.String()
}

// Count returns the number of descriptors before the first End, or len(list)
// when the list is not terminated.
func Count(list []Descriptor) int {
	for i, d := range list {
		if d == End {
			return i
		}
	}
	return len(list)
}

// Signature identifies a function by name and argument shape. Two calls
// that differ only in array lengths share a signature.
type Signature string

// BuildSignature concatenates name with the big-endian bytes of every
// descriptor, forcing nonzero array lengths to the 0xFFFF wildcard.
func BuildSignature(name string, list []Descriptor) Signature {
	n := Count(list)
	buf := make([]byte, 0, len(name)+4*n)
	buf = append(buf, name...)
	for _, d := range list[:n] {
		if d.IsArray() {
			d |= lengthMask
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(d))
	}
	return Signature(buf)
}

// Format renders a readable prototype such as "add(out int, in int, in int)".
func Format(name string, list []Descriptor) string {
	n := Count(list)
	parts := make([]string, n)
	for i, d := range list[:n] {
		parts[i] = d.String()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}
