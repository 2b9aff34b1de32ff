package registry

import (
	"errors"
	"testing"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/message"
)

var (
	addDescs = []args.Descriptor{
		args.Scalar(args.Int, args.Output),
		args.Scalar(args.Int, args.Input),
		args.Scalar(args.Int, args.Input),
	}
	addSig  = args.BuildSignature("add", addDescs)
	echoSig = args.BuildSignature("echo", []args.Descriptor{args.Array(args.Char, args.InOut, 16)})

	locA = message.Location{Identifier: "host-a", Port: 9001}
	locB = message.Location{Identifier: "host-b", Port: 9002}
	locC = message.Location{Identifier: "host-c", Port: 9003}
)

func mustCheck(t *testing.T, d *Database) {
	t.Helper()
	if err := d.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestLocateRoundRobin(t *testing.T) {
	d := New()
	d.Register(locA, addSig)
	d.Register(locB, addSig)

	want := []message.Location{locA, locB, locA, locB, locA}
	for i, w := range want {
		got, err := d.Locate(addSig)
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Fatalf("lookup %d: got %s, want %s", i, got, w)
		}
	}
	mustCheck(t, d)
}

func TestLocateFairness(t *testing.T) {
	d := New()
	for _, loc := range []message.Location{locA, locB, locC} {
		d.Register(loc, addSig)
	}
	counts := map[message.Location]int{}
	for i := 0; i < 300; i++ {
		loc, err := d.Locate(addSig)
		if err != nil {
			t.Fatal(err)
		}
		counts[loc]++
	}
	for _, loc := range []message.Location{locA, locB, locC} {
		if counts[loc] != 100 {
			t.Fatalf("%s returned %d times, want 100", loc, counts[loc])
		}
	}
}

func TestLocateMissing(t *testing.T) {
	d := New()
	if _, err := d.Locate(addSig); !errors.Is(err, codes.ErrMissingFunction) {
		t.Fatalf("expect ErrMissingFunction, got %v", err)
	}
	if _, err := d.LocateAll(addSig); !errors.Is(err, codes.ErrMissingFunction) {
		t.Fatalf("expect ErrMissingFunction, got %v", err)
	}
}

func TestArrayLengthSharesEntry(t *testing.T) {
	d := New()
	d.Register(locA, echoSig)
	other := args.BuildSignature("echo", []args.Descriptor{args.Array(args.Char, args.InOut, 200)})
	if got, err := d.Locate(other); err != nil || got != locA {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	d := New()
	if c := d.Register(locA, addSig); c != codes.OK {
		t.Fatalf("first registration: %v", c)
	}
	if c := d.Register(locA, addSig); c != codes.WarnDuplicateFunction {
		t.Fatalf("expect WarnDuplicateFunction, got %v", c)
	}
	all, _ := d.LocateAll(addSig)
	if len(all) != 1 {
		t.Fatalf("expect 1 location, got %d", len(all))
	}
	mustCheck(t, d)
}

func TestCleanup(t *testing.T) {
	d := New()
	d.Register(locA, addSig)
	d.Register(locA, echoSig)
	d.Register(locB, addSig)

	if n := d.Cleanup(locA); n != 2 {
		t.Fatalf("expect 2 signatures cleaned, got %d", n)
	}
	mustCheck(t, d)

	if _, err := d.Locate(echoSig); !errors.Is(err, codes.ErrMissingFunction) {
		t.Fatalf("echo should be gone, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if loc, _ := d.Locate(addSig); loc != locB {
			t.Fatalf("expect only %s, got %s", locB, loc)
		}
	}
	if d.Len() != 1 || d.Servers() != 1 {
		t.Fatalf("expect 1 signature and 1 server, got %d and %d", d.Len(), d.Servers())
	}

	if n := d.Cleanup(locA); n != 0 {
		t.Fatalf("second cleanup should be a no-op, got %d", n)
	}
}

func TestCleanupKeepsRotation(t *testing.T) {
	d := New()
	for _, loc := range []message.Location{locA, locB, locC} {
		d.Register(loc, addSig)
	}
	// Cursor now points at locC.
	d.Locate(addSig)
	d.Locate(addSig)

	d.Cleanup(locA)
	mustCheck(t, d)
	if loc, _ := d.Locate(addSig); loc != locC {
		t.Fatalf("expect rotation to resume at %s, got %s", locC, loc)
	}
	if loc, _ := d.Locate(addSig); loc != locB {
		t.Fatalf("expect wrap to %s, got %s", locB, loc)
	}

	// Removing the entry under the cursor when it is last wraps to the start.
	d.Locate(addSig) // locC, cursor back on locB
	d.Locate(addSig) // locB, cursor on locC
	d.Cleanup(locC)
	mustCheck(t, d)
	if loc, _ := d.Locate(addSig); loc != locB {
		t.Fatalf("expect %s, got %s", locB, loc)
	}
}

func TestSnapshot(t *testing.T) {
	d := New()
	d.Register(locA, addSig)
	d.Register(locB, addSig)
	d.Register(locA, echoSig)
	d.Locate(addSig)

	snap := d.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expect 2 entries, got %d", len(snap))
	}
	if snap[0].Signature != addSig || len(snap[0].Locations) != 2 || snap[0].Next != 1 {
		t.Fatalf("unexpected add entry %+v", snap[0])
	}

	// Snapshot is a copy.
	snap[0].Locations[0] = locC
	if all, _ := d.LocateAll(addSig); all[0] != locA {
		t.Fatal("snapshot aliases the database")
	}
}
