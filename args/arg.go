package args

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Arg is one argument value: its descriptor plus the owned value bytes in
// wire order. len(Data) is always Desc.Size().
type Arg struct {
	Desc Descriptor
	Data []byte
}

// New allocates a zeroed argument for d.
func New(d Descriptor) *Arg {
	return &Arg{Desc: d, Data: make([]byte, d.Size())}
}

// Descriptors returns the descriptor of every argument in order.
func Descriptors(argv []*Arg) []Descriptor {
	out := make([]Descriptor, len(argv))
	for i, a := range argv {
		out[i] = a.Desc
	}
	return out
}

// Alloc allocates a zeroed argument for every descriptor before End.
func Alloc(list []Descriptor) []*Arg {
	n := Count(list)
	argv := make([]*Arg, n)
	for i, d := range list[:n] {
		argv[i] = New(d)
	}
	return argv
}

func (a *Arg) Len() int { return a.Desc.Elems() }

func (a *Arg) Clone() *Arg {
	return &Arg{Desc: a.Desc, Data: bytes.Clone(a.Data)}
}

// CopyFrom overwrites a's values with src's. The two must have the same type
// and size.
func (a *Arg) CopyFrom(src *Arg) error {
	if a.Desc.Type() != src.Desc.Type() || len(a.Data) != len(src.Data) {
		return fmt.Errorf("args: cannot copy %v into %v", src.Desc, a.Desc)
	}
	copy(a.Data, src.Data)
	return nil
}

func (a *Arg) offset(t Type, i int) int {
	if a.Desc.Type() != t {
		panic(fmt.Sprintf("args: %v accessed as %v", a.Desc, t))
	}
	sz, _ := t.size()
	return i * sz
}

func (a *Arg) Int8(i int) int8 { return int8(a.Data[a.offset(Char, i)]) }

func (a *Arg) SetInt8(i int, v int8) { a.Data[a.offset(Char, i)] = byte(v) }

func (a *Arg) Int16(i int) int16 {
	o := a.offset(Short, i)
	return int16(binary.BigEndian.Uint16(a.Data[o:]))
}

func (a *Arg) SetInt16(i int, v int16) {
	o := a.offset(Short, i)
	binary.BigEndian.PutUint16(a.Data[o:], uint16(v))
}

func (a *Arg) Int32(i int) int32 {
	o := a.offset(Int, i)
	return int32(binary.BigEndian.Uint32(a.Data[o:]))
}

func (a *Arg) SetInt32(i int, v int32) {
	o := a.offset(Int, i)
	binary.BigEndian.PutUint32(a.Data[o:], uint32(v))
}

func (a *Arg) Int64(i int) int64 {
	o := a.offset(Long, i)
	return int64(binary.BigEndian.Uint64(a.Data[o:]))
}

func (a *Arg) SetInt64(i int, v int64) {
	o := a.offset(Long, i)
	binary.BigEndian.PutUint64(a.Data[o:], uint64(v))
}

func (a *Arg) Float32(i int) float32 {
	o := a.offset(Float, i)
	return math.Float32frombits(binary.BigEndian.Uint32(a.Data[o:]))
}

func (a *Arg) SetFloat32(i int, v float32) {
	o := a.offset(Float, i)
	binary.BigEndian.PutUint32(a.Data[o:], math.Float32bits(v))
}

func (a *Arg) Float64(i int) float64 {
	o := a.offset(Double, i)
	return math.Float64frombits(binary.BigEndian.Uint64(a.Data[o:]))
}

func (a *Arg) SetFloat64(i int, v float64) {
	o := a.offset(Double, i)
	binary.BigEndian.PutUint64(a.Data[o:], math.Float64bits(v))
}

// String returns a char argument's bytes up to the first NUL.
func (a *Arg) String() string {
	a.offset(Char, 0)
	if i := bytes.IndexByte(a.Data, 0); i >= 0 {
		return string(a.Data[:i])
	}
	return string(a.Data)
}

// SetString stores s in a char argument, truncating to its length and
// NUL-padding the rest.
func (a *Arg) SetString(s string) {
	a.offset(Char, 0)
	n := copy(a.Data, s)
	clear(a.Data[n:])
}
