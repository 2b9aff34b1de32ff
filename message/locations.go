package message

import (
	"fmt"

	"binder-rpc/args"
	"binder-rpc/codes"
)

var (
	identifierDesc = args.Array(args.Char, args.Output, IdentifierSize)
	portDesc       = args.Scalar(args.Int, args.Output)
)

// LocationArgs encodes locations as (identifier, port) argument pairs, the
// payload of LOC_CACHE_SUCCESS.
func LocationArgs(locs []Location) []*args.Arg {
	argv := make([]*args.Arg, 0, 2*len(locs))
	for _, l := range locs {
		id := args.New(identifierDesc)
		id.SetString(l.Identifier)
		port := args.New(portDesc)
		port.SetInt32(0, l.Port)
		argv = append(argv, id, port)
	}
	return argv
}

// Locations decodes the argument pairs built by LocationArgs.
func (m *Message) Locations() ([]Location, error) {
	if len(m.Args)%2 != 0 {
		return nil, fmt.Errorf("odd location argument count %d: %w", len(m.Args), codes.ErrBadMessage)
	}
	locs := make([]Location, 0, len(m.Args)/2)
	for i := 0; i < len(m.Args); i += 2 {
		id, port := m.Args[i], m.Args[i+1]
		if !id.Desc.IsType(args.Char) || !id.Desc.IsArray() || port.Desc != portDesc {
			return nil, fmt.Errorf("location pair %d has types %v, %v: %w", i/2, id.Desc, port.Desc, codes.ErrBadMessage)
		}
		locs = append(locs, Location{Identifier: id.String(), Port: port.Int32(0)})
	}
	return locs, nil
}
