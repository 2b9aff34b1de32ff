package binder

import (
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"binder-rpc/args"
	"binder-rpc/codes"
)

// AdminService exposes the binder over JSON-RPC 2.0 as "Binder.Stats",
// "Binder.Lookup" and "Binder.Snapshot".
type AdminService struct {
	b *Binder
}

type StatsArgs struct{}

type StatsReply struct {
	Address       string `json:"address"`
	Signatures    int    `json:"signatures"`
	Servers       int    `json:"servers"`
	Connections   int    `json:"connections"`
	Registrations uint64 `json:"registrations"`
	Duplicates    uint64 `json:"duplicates"`
	Lookups       uint64 `json:"lookups"`
	CacheLookups  uint64 `json:"cacheLookups"`
	Failures      uint64 `json:"failures"`
	Cleanups      uint64 `json:"cleanups"`
}

func (s *AdminService) Stats(r *http.Request, _ *StatsArgs, reply *StatsReply) error {
	st, err := s.b.Status(r.Context())
	if err != nil {
		return err
	}
	*reply = StatsReply{
		Address:       s.b.Addr().String(),
		Signatures:    st.Signatures,
		Servers:       st.Servers,
		Connections:   st.Connections,
		Registrations: st.Registrations,
		Duplicates:    st.Duplicates,
		Lookups:       st.Lookups,
		CacheLookups:  st.CacheLookups,
		Failures:      st.Failures,
		Cleanups:      st.Cleanups,
	}
	return nil
}

// LookupArgs names a function by name and raw argument type descriptors.
type LookupArgs struct {
	Name     string   `json:"name"`
	ArgTypes []uint32 `json:"argTypes"`
}

type LookupReply struct {
	Locations []string `json:"locations"`
}

func (s *AdminService) Lookup(r *http.Request, a *LookupArgs, reply *LookupReply) error {
	descs := make([]args.Descriptor, len(a.ArgTypes))
	for i, t := range a.ArgTypes {
		descs[i] = args.Descriptor(t)
		if err := descs[i].Validate(); err != nil {
			return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
		}
	}
	locs, err := s.b.Lookup(r.Context(), a.Name, descs)
	if err != nil {
		if codes.Of(err) == codes.ErrMissingFunction {
			return &json2.Error{Code: json2.ErrorCode(codes.ErrMissingFunction), Message: fmt.Sprintf("%s not registered", args.Format(a.Name, descs))}
		}
		return err
	}
	reply.Locations = make([]string, len(locs))
	for i, l := range locs {
		reply.Locations[i] = l.String()
	}
	return nil
}

type SnapshotArgs struct{}

type SnapshotEntry struct {
	Function  string   `json:"function"`
	Locations []string `json:"locations"`
	Next      int      `json:"next"`
}

type SnapshotReply struct {
	Entries []SnapshotEntry `json:"entries"`
}

func (s *AdminService) Snapshot(r *http.Request, _ *SnapshotArgs, reply *SnapshotReply) error {
	entries, err := s.b.Snapshot(r.Context())
	if err != nil {
		return err
	}
	reply.Entries = make([]SnapshotEntry, len(entries))
	for i, e := range entries {
		locs := make([]string, len(e.Locations))
		for j, l := range e.Locations {
			locs[j] = l.String()
		}
		reply.Entries[i] = SnapshotEntry{Function: e.Function, Locations: locs, Next: e.Next}
	}
	return nil
}

// AdminHandler returns the JSON-RPC handler for b. Mount it on any path; it
// only answers POST requests with a JSON body.
func AdminHandler(b *Binder) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&AdminService{b: b}, "Binder"); err != nil {
		return nil, err
	}
	return s, nil
}
