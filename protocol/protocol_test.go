package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"reflect"
	"testing"
	"testing/iotest"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/message"
)

func sampleArgs() []*args.Arg {
	argv := args.Alloc([]args.Descriptor{
		args.Scalar(args.Int, args.Output),
		args.Scalar(args.Int, args.Input),
		args.Scalar(args.Int, args.Input),
		args.Array(args.Double, args.InOut, 3),
		args.Array(args.Char, args.Input, 7),
	})
	argv[1].SetInt32(0, 2)
	argv[2].SetInt32(0, 3)
	argv[3].SetFloat64(2, -1.5)
	argv[4].SetString("abcdefg")
	return argv
}

func descriptorsOnly(argv []*args.Arg) []*args.Arg {
	out := make([]*args.Arg, len(argv))
	for i, a := range argv {
		out[i] = &args.Arg{Desc: a.Desc}
	}
	return out
}

func sampleMessages() []*message.Message {
	loc := message.Location{Identifier: "host-a.example.org", Port: 40123}
	return []*message.Message{
		{Kind: message.Register, Name: "add", Location: loc, Args: descriptorsOnly(sampleArgs())},
		{Kind: message.RegisterSuccess, Reason: codes.WarnDuplicateFunction},
		{Kind: message.RegisterFailure, Reason: codes.ErrBadMessage},
		{Kind: message.LocRequest, Name: "add", Args: descriptorsOnly(sampleArgs())},
		{Kind: message.LocSuccess, Location: loc},
		{Kind: message.LocFailure, Reason: codes.ErrMissingFunction},
		{Kind: message.Execute, Name: "add", Args: sampleArgs()},
		{Kind: message.ExecuteSuccess, Name: "add", Args: sampleArgs()},
		{Kind: message.ExecuteFailure, Reason: codes.ErrFunctionCall},
		{Kind: message.Terminate},
		{Kind: message.LocCache, Name: "add", Args: descriptorsOnly(sampleArgs())},
		{Kind: message.LocCacheSuccess, Args: message.LocationArgs([]message.Location{loc, {Identifier: "b", Port: 1}})},
	}
}

func assertEqual(t *testing.T, got, want *message.Message) {
	t.Helper()
	if got.Kind != want.Kind || got.Name != want.Name || got.Location != want.Location || got.Reason != want.Reason {
		t.Fatalf("header fields mismatch:\n got %+v\nwant %+v", got, want)
	}
	if len(got.Args) != len(want.Args) {
		t.Fatalf("%s: expect %d args, got %d", want.Kind, len(want.Args), len(got.Args))
	}
	for i := range want.Args {
		if got.Args[i].Desc != want.Args[i].Desc {
			t.Fatalf("%s arg %d: desc %v, want %v", want.Kind, i, got.Args[i].Desc, want.Args[i].Desc)
		}
		if len(want.Args[i].Data) > 0 && !bytes.Equal(got.Args[i].Data, want.Args[i].Data) {
			t.Fatalf("%s arg %d: data %x, want %x", want.Kind, i, got.Args[i].Data, want.Args[i].Data)
		}
	}
}

func TestSendRecvEveryKind(t *testing.T) {
	for _, want := range sampleMessages() {
		var buf bytes.Buffer
		if err := Send(&buf, want); err != nil {
			t.Fatalf("Send %s failed: %v", want.Kind, err)
		}
		if buf.Len() != HeaderSize+want.BodyLen() {
			t.Fatalf("%s: wrote %d bytes, expect %d", want.Kind, buf.Len(), HeaderSize+want.BodyLen())
		}
		got, err := Recv(&buf)
		if err != nil {
			t.Fatalf("Recv %s failed: %v", want.Kind, err)
		}
		assertEqual(t, got, want)
	}
}

func TestRoundTripOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	msgs := sampleMessages()
	go func() {
		for _, m := range msgs {
			if err := Send(a, m); err != nil {
				t.Errorf("Send: %v", err)
				return
			}
		}
	}()

	for _, want := range msgs {
		got, err := Recv(b)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		assertEqual(t, got, want)
	}
}

func TestPartialReadsOneByte(t *testing.T) {
	for _, want := range sampleMessages() {
		frame, err := Frame(want)
		if err != nil {
			t.Fatal(err)
		}

		var rx Receiver
		src := iotest.OneByteReader(bytes.NewReader(frame))
		advances := 0
		for rx.State() != Complete {
			if err := rx.Advance(src); err != nil {
				t.Fatalf("%s: Advance failed after %d calls: %v", want.Kind, advances, err)
			}
			advances++
		}
		if advances != len(frame) {
			t.Fatalf("%s: expect %d advances for %d bytes, got %d", want.Kind, len(frame), len(frame), advances)
		}
		assertEqual(t, rx.Message(), want)
	}
}

// chunkReader returns at most the next chunk size bytes per Read.
type chunkReader struct {
	data []byte
	rnd  *rand.Rand
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := 1 + c.rnd.Intn(len(c.data))
	n = min(n, len(p))
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestPartialReadsRandomChunks(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, want := range sampleMessages() {
		frame, err := Frame(want)
		if err != nil {
			t.Fatal(err)
		}
		for round := 0; round < 20; round++ {
			got, err := Recv(&chunkReader{data: frame, rnd: rnd})
			if err != nil {
				t.Fatalf("%s round %d: %v", want.Kind, round, err)
			}
			assertEqual(t, got, want)
		}
	}
}

func TestReceiverStates(t *testing.T) {
	frame, err := Frame(&message.Message{Kind: message.LocFailure, Reason: codes.ErrMissingFunction})
	if err != nil {
		t.Fatal(err)
	}

	var rx Receiver
	if rx.State() != AwaitingHeader || rx.Needed() != HeaderSize {
		t.Fatalf("fresh receiver: %v needs %d", rx.State(), rx.Needed())
	}
	src := bytes.NewReader(frame)

	// A full header read leaves the body for the next Advance.
	if err := rx.Advance(io.LimitReader(src, HeaderSize)); err != nil {
		t.Fatal(err)
	}
	if rx.State() != AwaitingBody || rx.Needed() != 4 {
		t.Fatalf("after header: %v needs %d", rx.State(), rx.Needed())
	}
	if err := rx.Advance(src); err != nil {
		t.Fatal(err)
	}
	if rx.State() != Complete || rx.Message().Reason != codes.ErrMissingFunction {
		t.Fatalf("after body: %v %v", rx.State(), rx.Message())
	}

	rx.Reset()
	if rx.State() != AwaitingHeader || rx.Message() != nil {
		t.Fatal("Reset did not clear the receiver")
	}
}

func TestEmptyBodyCompletesWithHeader(t *testing.T) {
	frame, err := Frame(&message.Message{Kind: message.Terminate})
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != HeaderSize {
		t.Fatalf("TERMINATE frame should be header only, got %d bytes", len(frame))
	}

	var rx Receiver
	if err := rx.Advance(bytes.NewReader(frame)); err != nil {
		t.Fatal(err)
	}
	if rx.State() != Complete || rx.Message().Kind != message.Terminate {
		t.Fatalf("expect complete TERMINATE, got %v", rx.State())
	}
}

func TestRecvFailures(t *testing.T) {
	_, err := Recv(bytes.NewReader(nil))
	if !errors.Is(err, codes.ErrMessageRecv) || !errors.Is(err, io.EOF) {
		t.Fatalf("empty stream: expect ErrMessageRecv wrapping EOF, got %v", err)
	}

	frame, _ := Frame(&message.Message{Kind: message.LocSuccess, Location: message.Location{Identifier: "x", Port: 1}})
	_, err = Recv(bytes.NewReader(frame[:HeaderSize+3]))
	if codes.Of(err) != codes.ErrMessageRecv {
		t.Fatalf("truncated body: expect ErrMessageRecv, got %v", err)
	}

	bad := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(bad[4:], 77)
	_, err = Recv(bytes.NewReader(bad))
	if codes.Of(err) != codes.ErrBadMessage {
		t.Fatalf("unknown kind: expect ErrBadMessage, got %v", err)
	}

	binary.BigEndian.PutUint32(bad[0:], MaxBodyLen+1)
	binary.BigEndian.PutUint32(bad[4:], uint32(message.Execute))
	_, err = Recv(bytes.NewReader(bad))
	if codes.Of(err) != codes.ErrBadMessage {
		t.Fatalf("huge body: expect ErrBadMessage, got %v", err)
	}
}

type brokenWriter struct{ after int }

func (w *brokenWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, io.ErrClosedPipe
	}
	n := min(len(p), w.after)
	w.after -= n
	return n, nil
}

func TestSendFailure(t *testing.T) {
	err := Send(&brokenWriter{after: 5}, &message.Message{Kind: message.Execute, Name: "f", Args: sampleArgs()})
	if !errors.Is(err, codes.ErrMessageSend) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expect ErrMessageSend wrapping ErrClosedPipe, got %v", err)
	}
}

func TestExchange(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		req, err := Recv(b)
		if err != nil {
			t.Errorf("server Recv: %v", err)
			return
		}
		reply := &message.Message{Kind: message.LocSuccess, Location: message.Location{Identifier: req.Name, Port: 5}}
		if err := Send(b, reply); err != nil {
			t.Errorf("server Send: %v", err)
		}
	}()

	reply, err := Exchange(a, &message.Message{Kind: message.LocRequest, Name: "srv"})
	if err != nil {
		t.Fatal(err)
	}
	want := message.Location{Identifier: "srv", Port: 5}
	if !reflect.DeepEqual(reply.Location, want) {
		t.Fatalf("expect %v, got %v", want, reply.Location)
	}
}
