package server

import (
	"fmt"
	"sync"

	"binder-rpc/args"
)

// Skeleton implements a registered function. It reads its inputs from argv,
// writes its outputs into argv in place, and returns a negative status to
// report failure.
type Skeleton func(argv []*args.Arg) int

type skeleton struct {
	name  string
	descs []args.Descriptor
	fn    Skeleton
}

// call runs the skeleton and turns a panic into an error.
func (sk *skeleton) call(argv []*args.Arg) (status int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", args.Format(sk.name, sk.descs), r)
		}
	}()
	return sk.fn(argv), nil
}

// skeletonTable maps signatures to skeletons. Registrations happen before
// Execute, lookups from worker goroutines afterwards.
type skeletonTable struct {
	mu sync.RWMutex
	m  map[args.Signature]*skeleton
}

// put stores fn under the signature of name and descs, replacing any earlier
// skeleton, and reports whether one was replaced.
func (t *skeletonTable) put(name string, descs []args.Descriptor, fn Skeleton) bool {
	sig := args.BuildSignature(name, descs)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[args.Signature]*skeleton)
	}
	_, replaced := t.m[sig]
	t.m[sig] = &skeleton{name: name, descs: descs, fn: fn}
	return replaced
}

func (t *skeletonTable) get(sig args.Signature) (*skeleton, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sk, ok := t.m[sig]
	return sk, ok
}

func (t *skeletonTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
