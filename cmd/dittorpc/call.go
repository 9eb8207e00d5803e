package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/marmos91/dittorpc/internal/counter"
	"github.com/marmos91/dittorpc/pkg/admin"
	"github.com/marmos91/dittorpc/pkg/client"
	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

type callFlags struct {
	addr    string
	id      string
	op      string
	mode    string
	timeout time.Duration

	delta   int64
	name    string
	initial int64
	size    int
}

func runCall(args []string) error {
	var f callFlags
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	fs.StringVar(&f.addr, "addr", "127.0.0.1:4061", "Adapter address")
	fs.StringVar(&f.id, "id", "", "Object identity (category/name)")
	fs.StringVar(&f.op, "op", "", "Operation name")
	fs.StringVar(&f.mode, "mode", "normal", "Operation mode (normal, nonmutating, idempotent)")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "Call timeout")
	fs.Int64Var(&f.delta, "delta", 1, "Counter add: amount to add")
	fs.StringVar(&f.name, "name", "", "Counter create/destroy name, or admin destroyObject/hasObject identity")
	fs.Int64Var(&f.initial, "initial", 0, "Counter create: initial value")
	fs.IntVar(&f.size, "size", 0, "Admin setSize: new evictor size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if f.id == "" || f.op == "" {
		return errors.New("--id and --op are required")
	}
	id, err := rpc.ParseIdentity(f.id)
	if err != nil {
		return err
	}
	mode, err := parseMode(f.mode)
	if err != nil {
		return err
	}
	params, err := f.params(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	c, err := client.Dial(ctx, f.addr, client.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	out, err := c.Invoke(ctx, id, f.op, mode, params)
	if err != nil {
		return err
	}

	fmt.Println(formatResult(id, f.op, out))
	return nil
}

func parseMode(s string) (rpc.OperationMode, error) {
	for _, m := range []rpc.OperationMode{rpc.Normal, rpc.Nonmutating, rpc.Idempotent} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown operation mode %q", s)
}

// params encodes the arguments of the operations the server ships with.
// Other operations are sent without parameters.
func (f *callFlags) params(id rpc.Identity) ([]byte, error) {
	switch {
	case id.Category == counter.Category && f.op == counter.OpAdd:
		return protocol.Marshal(&counter.AddArgs{Delta: f.delta})
	case id == counter.FactoryIdentity:
		return protocol.Marshal(&counter.CreateArgs{Name: f.name, Initial: f.initial})
	case id == admin.EvictorIdentity && f.op == admin.OpSetSize:
		return protocol.Marshal(&admin.SizeArgs{Size: int32(f.size)})
	case id == admin.EvictorIdentity && (f.op == admin.OpDestroyObject || f.op == admin.OpHasObject):
		return protocol.Marshal(&admin.IdentityArgs{Identity: f.name})
	}
	return nil, nil
}

func formatResult(id rpc.Identity, op string, out []byte) string {
	if len(out) == 0 {
		return "ok"
	}

	var v any
	switch {
	case id.Category == counter.Category, id == counter.FactoryIdentity:
		v = &counter.Value{}
	case id == admin.EvictorIdentity && op == admin.OpGetSize:
		v = &admin.SizeArgs{}
	case id == admin.EvictorIdentity && op == admin.OpStats:
		v = &admin.StatsResult{}
	case id == admin.EvictorIdentity && op == admin.OpHasObject:
		v = &admin.HasObjectResult{}
	default:
		return hex.EncodeToString(out)
	}

	if err := protocol.Unmarshal(out, v); err != nil {
		return hex.EncodeToString(out)
	}
	return fmt.Sprintf("%+v", v)
}
