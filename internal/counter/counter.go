// Package counter is a small persistent servant used by the dittorpc
// command and by tests: a named integer that can be read and incremented.
package counter

import (
	"context"
	"sync"

	"github.com/marmos91/dittorpc/pkg/evictor"
	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// Category is the identity category counters are served under.
const Category = "counter"

// Operation names.
const (
	OpGet = "get"
	OpAdd = "add"
)

// AddArgs is the parameter of add.
type AddArgs struct {
	Delta int64
}

// Value is the result of get and add.
type Value struct {
	Value int64
}

// Counter is a servant holding one integer.
type Counter struct {
	mu    sync.RWMutex
	Value int64 `json:"value"`
}

func (c *Counter) RLock()   { c.mu.RLock() }
func (c *Counter) RUnlock() { c.mu.RUnlock() }

// Dispatch implements rpc.Servant.
func (c *Counter) Dispatch(_ context.Context, current *rpc.Current, params []byte) ([]byte, error) {
	switch current.Operation {
	case OpGet:
		c.mu.RLock()
		v := c.Value
		c.mu.RUnlock()
		return protocol.Marshal(&Value{Value: v})

	case OpAdd:
		var args AddArgs
		if err := protocol.Unmarshal(params, &args); err != nil {
			return nil, &rpc.UserError{Message: "malformed add parameters: " + err.Error()}
		}
		c.mu.Lock()
		c.Value += args.Delta
		v := c.Value
		c.mu.Unlock()
		return protocol.Marshal(&Value{Value: v})

	default:
		return nil, rpc.OperationNotExist(current)
	}
}

// Codec persists counters as JSON.
func Codec() evictor.Codec {
	return evictor.JSONCodec[*Counter]{Factory: func(rpc.Identity) *Counter { return &Counter{} }}
}

// Identity returns the identity of the counter called name.
func Identity(name string) rpc.Identity {
	return rpc.Identity{Category: Category, Name: name}
}

// FactoryIdentity is the identity the counter factory is registered under.
var FactoryIdentity = rpc.Identity{Name: "counters"}

// Factory operation names.
const (
	OpCreate  = "create"
	OpDestroy = "destroy"
)

// CreateArgs is the parameter of create. Destroy only reads Name.
type CreateArgs struct {
	Name    string
	Initial int64
}

// Factory creates and destroys counters persisted by an evictor.
type Factory struct {
	Evictor *evictor.Evictor
}

// Dispatch implements rpc.Servant.
func (f *Factory) Dispatch(ctx context.Context, current *rpc.Current, params []byte) ([]byte, error) {
	var args CreateArgs
	if err := protocol.Unmarshal(params, &args); err != nil {
		return nil, &rpc.UserError{Message: "malformed parameters: " + err.Error()}
	}
	if args.Name == "" {
		return nil, &rpc.UserError{Message: "counter name is required"}
	}
	id := Identity(args.Name)

	switch current.Operation {
	case OpCreate:
		err := f.Evictor.CreateObject(ctx, id, &Counter{Value: args.Initial})
		if rpc.IsAlreadyRegistered(err) {
			return nil, &rpc.UserError{Message: "counter " + args.Name + " already exists"}
		}
		if err != nil {
			return nil, err
		}
		return protocol.Marshal(&Value{Value: args.Initial})

	case OpDestroy:
		err := f.Evictor.DestroyObject(ctx, id)
		if rpc.IsObjectNotFound(err) {
			return nil, &rpc.UserError{Message: "counter " + args.Name + " does not exist"}
		}
		return nil, err

	default:
		return nil, rpc.OperationNotExist(current)
	}
}
