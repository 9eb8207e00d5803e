// Package admin implements the administrative servant that exposes an
// evictor's tunables and object lifecycle to remote callers.
//
// Parameters and results are XDR-encoded with protocol.Marshal.
package admin

import (
	"context"
	"fmt"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/evictor"
	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// Category is the identity category of administrative objects.
const Category = "__admin"

// EvictorIdentity is the identity the evictor servant is registered under.
var EvictorIdentity = rpc.Identity{Category: Category, Name: "evictor"}

// Operation names.
const (
	OpPing          = "ping"
	OpGetSize       = "getSize"
	OpSetSize       = "setSize"
	OpStats         = "stats"
	OpDestroyObject = "destroyObject"
	OpHasObject     = "hasObject"
)

// SizeArgs is the parameter of setSize and the result of getSize.
type SizeArgs struct {
	Size int32
}

// IdentityArgs is the parameter of destroyObject and hasObject.
type IdentityArgs struct {
	Identity string
}

// HasObjectResult is the result of hasObject.
type HasObjectResult struct {
	Exists bool
}

// StatsResult is the result of stats.
type StatsResult struct {
	Size      int32
	Cached    int32
	InUse     int32
	Saving    int32
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// EvictorServant serves administrative operations on one evictor.
type EvictorServant struct {
	evictor *evictor.Evictor
	log     *logger.Logger
}

// NewEvictorServant returns a servant administering ev.
func NewEvictorServant(ev *evictor.Evictor, log *logger.Logger) *EvictorServant {
	return &EvictorServant{evictor: ev, log: logger.Or(log)}
}

// Dispatch implements rpc.Servant.
func (s *EvictorServant) Dispatch(ctx context.Context, current *rpc.Current, params []byte) ([]byte, error) {
	switch current.Operation {
	case OpPing:
		return nil, nil

	case OpGetSize:
		return protocol.Marshal(&SizeArgs{Size: int32(s.evictor.Size())})

	case OpSetSize:
		var args SizeArgs
		if err := decode(params, &args); err != nil {
			return nil, err
		}
		if args.Size < 0 {
			return nil, &rpc.UserError{Message: fmt.Sprintf("invalid size %d", args.Size)}
		}
		if err := s.evictor.SetSize(ctx, int(args.Size)); err != nil {
			return nil, err
		}
		s.log.Info("Admin: evictor size set to %d by %s", args.Size, current.Conn)
		return nil, nil

	case OpStats:
		st := s.evictor.Stats()
		return protocol.Marshal(&StatsResult{
			Size:      int32(st.Size),
			Cached:    int32(st.Cached),
			InUse:     int32(st.InUse),
			Saving:    int32(st.Saving),
			Hits:      st.Hits,
			Misses:    st.Misses,
			Evictions: st.Evictions,
		})

	case OpDestroyObject:
		id, err := decodeIdentity(params)
		if err != nil {
			return nil, err
		}
		if err := s.evictor.DestroyObject(ctx, id); err != nil {
			// Reporting ObjectNotExist would describe the admin object itself.
			if rpc.IsObjectNotFound(err) {
				return nil, &rpc.UserError{Message: err.Error()}
			}
			return nil, err
		}
		s.log.Info("Admin: destroyed %s", id)
		return nil, nil

	case OpHasObject:
		id, err := decodeIdentity(params)
		if err != nil {
			return nil, err
		}
		exists, err := s.evictor.HasObject(ctx, id)
		if err != nil {
			return nil, err
		}
		return protocol.Marshal(&HasObjectResult{Exists: exists})

	default:
		return nil, rpc.OperationNotExist(current)
	}
}

func decode(params []byte, v any) error {
	if err := protocol.Unmarshal(params, v); err != nil {
		return &rpc.UserError{Message: fmt.Sprintf("malformed parameters: %v", err)}
	}
	return nil
}

func decodeIdentity(params []byte) (rpc.Identity, error) {
	var args IdentityArgs
	if err := decode(params, &args); err != nil {
		return rpc.Identity{}, err
	}
	id, err := rpc.ParseIdentity(args.Identity)
	if err != nil {
		return rpc.Identity{}, &rpc.UserError{Message: err.Error()}
	}
	return id, nil
}
