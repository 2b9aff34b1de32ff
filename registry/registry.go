// Package registry is the binder's registration database.
//
// Every signature maps to the ordered list of server locations that
// registered it and a rotation cursor over that list:
//
//	signature ──→ [loc0, loc1, loc2]   cursor ─┐
//	                       ▲───────────────────┘
//	location  ──→ [sig, sig, ...]       (used by Cleanup)
//
// Locate hands out the entry under the cursor and moves it on, so successive
// lookups alternate between servers. A Database is not safe for concurrent
// use; the binder owns it from its engine loop goroutine.
package registry

import (
	"fmt"
	"slices"
	"sort"

	"binder-rpc/args"
	"binder-rpc/codes"
	"binder-rpc/loadbalance"
	"binder-rpc/message"
)

type entry struct {
	locs   []message.Location
	cursor loadbalance.Cursor
}

type Database struct {
	entries map[args.Signature]*entry
	sites   map[message.Location][]args.Signature
}

func New() *Database {
	return &Database{
		entries: make(map[args.Signature]*entry),
		sites:   make(map[message.Location][]args.Signature),
	}
}

// Register records that loc serves sig. A second registration of the same
// pair adds nothing and reports WarnDuplicateFunction.
func (d *Database) Register(loc message.Location, sig args.Signature) codes.Code {
	e, ok := d.entries[sig]
	if !ok {
		e = &entry{}
		d.entries[sig] = e
	}
	if slices.Contains(e.locs, loc) {
		return codes.WarnDuplicateFunction
	}
	e.locs = append(e.locs, loc)
	d.sites[loc] = append(d.sites[loc], sig)
	return codes.OK
}

// Locate returns the next location for sig in round-robin order.
func (d *Database) Locate(sig args.Signature) (message.Location, error) {
	e, ok := d.entries[sig]
	if !ok {
		return message.Location{}, codes.ErrMissingFunction
	}
	return e.locs[e.cursor.Next(len(e.locs))], nil
}

// LocateAll returns a copy of every location registered for sig, in
// registration order.
func (d *Database) LocateAll(sig args.Signature) ([]message.Location, error) {
	e, ok := d.entries[sig]
	if !ok {
		return nil, codes.ErrMissingFunction
	}
	return slices.Clone(e.locs), nil
}

// Cleanup forgets loc everywhere it registered and returns how many
// signatures it served. Signatures left without locations disappear.
func (d *Database) Cleanup(loc message.Location) int {
	sigs := d.sites[loc]
	delete(d.sites, loc)
	for _, sig := range sigs {
		e, ok := d.entries[sig]
		if !ok {
			continue
		}
		i := slices.Index(e.locs, loc)
		if i < 0 {
			continue
		}
		removedBefore := 0
		if i < e.cursor.Pos() {
			removedBefore = 1
		}
		e.locs = slices.Delete(e.locs, i, i+1)
		if len(e.locs) == 0 {
			delete(d.entries, sig)
			continue
		}
		e.cursor.Renormalize(len(e.locs), removedBefore)
	}
	return len(sigs)
}

// Len is the number of registered signatures.
func (d *Database) Len() int { return len(d.entries) }

// Servers is the number of distinct registered locations.
func (d *Database) Servers() int { return len(d.sites) }

// Entry is one signature and its locations as seen by Snapshot.
type Entry struct {
	Signature args.Signature
	Locations []message.Location
	// Next is the index Locate will return next.
	Next int
}

// Snapshot copies the database, ordered by signature.
func (d *Database) Snapshot() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for sig, e := range d.entries {
		out = append(out, Entry{Signature: sig, Locations: slices.Clone(e.locs), Next: e.cursor.Pos()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Check verifies the internal invariants and is used by tests.
func (d *Database) Check() error {
	for sig, e := range d.entries {
		if len(e.locs) == 0 {
			return fmt.Errorf("signature %q has no locations", sig)
		}
		if e.cursor.Pos() >= len(e.locs) {
			return fmt.Errorf("signature %q cursor %d past %d locations", sig, e.cursor.Pos(), len(e.locs))
		}
		for _, loc := range e.locs {
			if !slices.Contains(d.sites[loc], sig) {
				return fmt.Errorf("location %s serves %q but is not associated with it", loc, sig)
			}
		}
	}
	for loc, sigs := range d.sites {
		for _, sig := range sigs {
			e, ok := d.entries[sig]
			if !ok || !slices.Contains(e.locs, loc) {
				return fmt.Errorf("location %s associated with %q but not listed", loc, sig)
			}
		}
	}
	return nil
}
