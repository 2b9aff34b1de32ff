package message

import (
	"testing"

	"binder-rpc/args"
	"binder-rpc/codes"
)

func addArgs() []*args.Arg {
	return args.Alloc([]args.Descriptor{
		args.Scalar(args.Int, args.Output),
		args.Scalar(args.Int, args.Input),
		args.Scalar(args.Int, args.Input),
		args.End,
	})
}

func TestBodyLen(t *testing.T) {
	cases := []struct {
		msg  *Message
		want int
	}{
		{&Message{Kind: Terminate}, 0},
		{&Message{Kind: RegisterSuccess}, 4},
		{&Message{Kind: LocSuccess}, IdentifierSize + 4},
		{&Message{Kind: Register, Args: addArgs()}, IdentifierSize + 4 + NameSize + 4 + 3*4},
		{&Message{Kind: LocRequest, Args: addArgs()}, NameSize + 4 + 3*4},
		{&Message{Kind: Execute, Args: addArgs()}, NameSize + 4 + 3*4 + 3*4},
		{&Message{Kind: LocCacheSuccess, Args: LocationArgs([]Location{{"a", 1}})}, 4 + 2*4 + IdentifierSize + 4},
	}
	for _, tc := range cases {
		if got := tc.msg.BodyLen(); got != tc.want {
			t.Errorf("%s: BodyLen = %d, want %d", tc.msg.Kind, got, tc.want)
		}
	}
}

func TestBodyLenFollowsKind(t *testing.T) {
	m := &Message{Kind: Execute, Name: "add", Args: addArgs()}
	before := m.BodyLen()
	m.Kind = ExecuteFailure
	if m.BodyLen() != 4 || before == 4 {
		t.Fatalf("BodyLen did not follow kind change: %d -> %d", before, m.BodyLen())
	}
}

func TestLocationArgs(t *testing.T) {
	locs := []Location{{"alpha", 7001}, {"beta.example.org", 7002}}
	m := &Message{Kind: LocCacheSuccess, Args: LocationArgs(locs)}
	got, err := m.Locations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != locs[0] || got[1] != locs[1] {
		t.Fatalf("expect %v, got %v", locs, got)
	}

	m.Args = m.Args[:3]
	if _, err := m.Locations(); codes.Of(err) != codes.ErrBadMessage {
		t.Fatalf("expect ErrBadMessage, got %v", err)
	}
}

func TestFailureOf(t *testing.T) {
	if FailureOf(Register) != RegisterFailure || FailureOf(LocCache) != LocFailure || FailureOf(Execute) != ExecuteFailure {
		t.Fatal("unexpected failure kind mapping")
	}
	f := Failure(Execute, codes.ErrMissingFunction)
	if f.Kind != ExecuteFailure || f.Reason != codes.ErrMissingFunction {
		t.Fatalf("unexpected failure message %v", f)
	}
}
