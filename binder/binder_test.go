package binder

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/message"
	"binder-rpc/protocol"
)

var addDescs = []args.Descriptor{
	args.Scalar(args.Int, args.Output),
	args.Scalar(args.Int, args.Input),
	args.Scalar(args.Int, args.Input),
}

func startBinder(t testing.TB) (*Binder, chan error) {
	t.Helper()
	b, err := Listen(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(cancel)
	return b, done
}

func dialBinder(t *testing.T, b *Binder) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", b.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func descArgs(descs []args.Descriptor) []*args.Arg {
	out := make([]*args.Arg, len(descs))
	for i, d := range descs {
		out[i] = &args.Arg{Desc: d}
	}
	return out
}

// register opens a server link for loc and registers add on it.
func register(t *testing.T, b *Binder, loc message.Location) net.Conn {
	t.Helper()
	link := dialBinder(t, b)
	reply, err := protocol.Exchange(link, &message.Message{Kind: message.Register, Name: "add", Location: loc, Args: descArgs(addDescs)})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Kind != message.RegisterSuccess || reply.Reason != codes.OK {
		t.Fatalf("unexpected register reply %v", reply)
	}
	return link
}

func locate(t *testing.T, b *Binder, kind message.Kind) *message.Message {
	t.Helper()
	c := dialBinder(t, b)
	reply, err := protocol.Exchange(c, &message.Message{Kind: kind, Name: "add", Args: descArgs(addDescs)})
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocateAlternates(t *testing.T) {
	b, _ := startBinder(t)
	s1 := message.Location{Identifier: "server-1", Port: 7001}
	s2 := message.Location{Identifier: "server-2", Port: 7002}
	register(t, b, s1)
	register(t, b, s2)

	want := []message.Location{s1, s2, s1, s2}
	for i, w := range want {
		reply := locate(t, b, message.LocRequest)
		if reply.Kind != message.LocSuccess || reply.Location != w {
			t.Fatalf("lookup %d: got %v, want %s", i, reply, w)
		}
	}
}

func TestLocateMissing(t *testing.T) {
	b, _ := startBinder(t)
	for _, kind := range []message.Kind{message.LocRequest, message.LocCache} {
		reply := locate(t, b, kind)
		if reply.Kind != message.LocFailure || reply.Reason != codes.ErrMissingFunction {
			t.Fatalf("%s: expect LOC_FAILURE/ErrMissingFunction, got %v", kind, reply)
		}
	}
}

func TestLocCache(t *testing.T) {
	b, _ := startBinder(t)
	s1 := message.Location{Identifier: "server-1", Port: 7001}
	s2 := message.Location{Identifier: "server-2", Port: 7002}
	register(t, b, s1)
	register(t, b, s2)

	reply := locate(t, b, message.LocCache)
	if reply.Kind != message.LocCacheSuccess {
		t.Fatalf("unexpected reply %v", reply)
	}
	locs, err := reply.Locations()
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 || locs[0] != s1 || locs[1] != s2 {
		t.Fatalf("unexpected locations %v", locs)
	}
}

func TestRegisterDuplicateAndReject(t *testing.T) {
	b, _ := startBinder(t)
	loc := message.Location{Identifier: "server-1", Port: 7001}
	link := register(t, b, loc)

	reply, err := protocol.Exchange(link, &message.Message{Kind: message.Register, Name: "add", Location: loc, Args: descArgs(addDescs)})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Kind != message.RegisterSuccess || reply.Reason != codes.WarnDuplicateFunction {
		t.Fatalf("expect WarnDuplicateFunction, got %v", reply)
	}

	// Port 0 is not reachable.
	reply, err = protocol.Exchange(link, &message.Message{Kind: message.Register, Name: "sub", Location: message.Location{Identifier: "x"}, Args: descArgs(addDescs)})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Kind != message.RegisterFailure || reply.Reason != codes.ErrBadMessage {
		t.Fatalf("expect REGISTER_FAILURE, got %v", reply)
	}

	// The link survives a rejected registration.
	if _, err := protocol.Exchange(link, &message.Message{Kind: message.Register, Name: "mul", Location: loc, Args: descArgs(addDescs)}); err != nil {
		t.Fatalf("link closed after rejection: %v", err)
	}
}

func TestCleanupOnDisconnect(t *testing.T) {
	b, _ := startBinder(t)
	s1 := message.Location{Identifier: "server-1", Port: 7001}
	s2 := message.Location{Identifier: "server-2", Port: 7002}
	link1 := register(t, b, s1)
	register(t, b, s2)

	link1.Close()
	waitFor(t, func() bool {
		st, err := b.Status(context.Background())
		return err == nil && st.Servers == 1
	})

	for i := 0; i < 3; i++ {
		if reply := locate(t, b, message.LocRequest); reply.Location != s2 {
			t.Fatalf("expect only %s, got %v", s2, reply)
		}
	}

	st, err := b.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Cleanups != 1 || st.Registrations != 2 || st.Signatures != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestTerminateBroadcast(t *testing.T) {
	b, done := startBinder(t)
	link1 := register(t, b, message.Location{Identifier: "server-1", Port: 7001})
	link2 := register(t, b, message.Location{Identifier: "server-2", Port: 7002})

	c := dialBinder(t, b)
	if err := protocol.Send(c, &message.Message{Kind: message.Terminate}); err != nil {
		t.Fatal(err)
	}

	for i, link := range []net.Conn{link1, link2} {
		m, err := protocol.Recv(link)
		if err != nil {
			t.Fatalf("server %d: %v", i+1, err)
		}
		if m.Kind != message.Terminate {
			t.Fatalf("server %d: expect TERMINATE, got %v", i+1, m)
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expect clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("binder did not stop")
	}
	if _, err := net.Dial("tcp", b.Addr().String()); err == nil {
		t.Fatal("binder still listening")
	}
}

func TestLookupAndSnapshot(t *testing.T) {
	b, _ := startBinder(t)
	s1 := message.Location{Identifier: "server-1", Port: 7001}
	register(t, b, s1)
	locate(t, b, message.LocRequest)

	locs, err := b.Lookup(context.Background(), "add", addDescs)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || locs[0] != s1 {
		t.Fatalf("unexpected lookup %v", locs)
	}
	if _, err := b.Lookup(context.Background(), "sub", addDescs); !errors.Is(err, codes.ErrMissingFunction) {
		t.Fatalf("expect ErrMissingFunction, got %v", err)
	}

	snap, err := b.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[0].Function != "add(out int, in int, in int)" || snap[0].Next != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSnapshotKeepsFirstPrototype(t *testing.T) {
	b, _ := startBinder(t)
	sum := func(n int) []args.Descriptor {
		return []args.Descriptor{args.Scalar(args.Int, args.Output), args.Array(args.Int, args.Input, n)}
	}
	for i, n := range []int{4, 8} {
		link := dialBinder(t, b)
		loc := message.Location{Identifier: "server", Port: int32(7001 + i)}
		reply, err := protocol.Exchange(link, &message.Message{Kind: message.Register, Name: "sum", Location: loc, Args: descArgs(sum(n))})
		if err != nil {
			t.Fatal(err)
		}
		if reply.Kind != message.RegisterSuccess {
			t.Fatalf("register sum[%d]: %v", n, reply)
		}
	}

	snap, err := b.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || len(snap[0].Locations) != 2 {
		t.Fatalf("expect one signature with two locations, got %+v", snap)
	}
	if want := "sum(out int, in int[4])"; snap[0].Function != want {
		t.Fatalf("expect prototype %q, got %q", want, snap[0].Function)
	}
}

func TestRunContextCancel(t *testing.T) {
	b, err := Listen(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
}
