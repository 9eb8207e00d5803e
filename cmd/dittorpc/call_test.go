package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/internal/counter"
	"github.com/marmos91/dittorpc/pkg/admin"
	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

func TestParseMode(t *testing.T) {
	for _, m := range []rpc.OperationMode{rpc.Normal, rpc.Nonmutating, rpc.Idempotent} {
		got, err := parseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := parseMode("sometimes")
	assert.Error(t, err)
}

func TestCallParams(t *testing.T) {
	f := callFlags{op: counter.OpAdd, delta: 3}
	params, err := f.params(counter.Identity("hits"))
	require.NoError(t, err)
	var add counter.AddArgs
	require.NoError(t, protocol.Unmarshal(params, &add))
	assert.Equal(t, int64(3), add.Delta)

	f = callFlags{op: admin.OpSetSize, size: 12}
	params, err = f.params(admin.EvictorIdentity)
	require.NoError(t, err)
	var size admin.SizeArgs
	require.NoError(t, protocol.Unmarshal(params, &size))
	assert.Equal(t, int32(12), size.Size)

	f = callFlags{op: counter.OpCreate, name: "hits", initial: 4}
	params, err = f.params(counter.FactoryIdentity)
	require.NoError(t, err)
	var create counter.CreateArgs
	require.NoError(t, protocol.Unmarshal(params, &create))
	assert.Equal(t, counter.CreateArgs{Name: "hits", Initial: 4}, create)

	f = callFlags{op: counter.OpGet}
	params, err = f.params(counter.Identity("hits"))
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "ok", formatResult(admin.EvictorIdentity, admin.OpPing, nil))

	out, err := protocol.Marshal(&counter.Value{Value: 9})
	require.NoError(t, err)
	assert.Contains(t, formatResult(counter.Identity("hits"), counter.OpGet, out), "Value:9")

	assert.Equal(t, "0102", formatResult(rpc.Identity{Name: "other"}, "op", []byte{1, 2}))
}
