package evictor

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/marmos91/dittorpc/pkg/rpc"
)

// Codec converts servants to and from their persistent representation.
type Codec interface {
	Encode(servant rpc.Servant) ([]byte, error)
	Decode(id rpc.Identity, data []byte) (rpc.Servant, error)
}

// StateLocker is implemented by servants that guard their state with a
// reader/writer lock. The evictor holds the read lock while encoding.
type StateLocker interface {
	RLock()
	RUnlock()
}

// JSONCodec encodes servants of type S with encoding/json. S is normally a
// pointer to a struct whose exported fields are the persistent state.
type JSONCodec[S rpc.Servant] struct {
	// Factory returns an empty servant for id; the stored state is
	// unmarshaled into it.
	Factory func(id rpc.Identity) S
}

func (c JSONCodec[S]) Encode(servant rpc.Servant) ([]byte, error) {
	s, ok := servant.(S)
	if !ok {
		return nil, fmt.Errorf("json codec: unexpected servant type %T", servant)
	}
	return json.Marshal(s)
}

func (c JSONCodec[S]) Decode(id rpc.Identity, data []byte) (rpc.Servant, error) {
	s := c.Factory(id)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("json codec: decode %s: %w", id, err)
	}
	return s, nil
}

// Records carry a one-byte format tag so that toggling compression does
// not strand existing data.
const (
	formatRaw    byte = 0
	formatSnappy byte = 1
)

func frame(data []byte, compress bool) []byte {
	if !compress {
		out := make([]byte, 1+len(data))
		out[0] = formatRaw
		copy(out[1:], data)
		return out
	}
	encoded := snappy.Encode(nil, data)
	out := make([]byte, 1+len(encoded))
	out[0] = formatSnappy
	copy(out[1:], encoded)
	return out
}

func unframe(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	switch record[0] {
	case formatRaw:
		return record[1:], nil
	case formatSnappy:
		return snappy.Decode(nil, record[1:])
	default:
		return nil, fmt.Errorf("unknown record format %d", record[0])
	}
}
