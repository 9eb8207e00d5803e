package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/pkg/rpc"
)

func TestRequestRoundTrip(t *testing.T) {
	current := &rpc.Current{
		ID:        rpc.Identity{Category: "accounts", Name: "42"},
		Facet:     "audit",
		Operation: "deposit",
		Mode:      rpc.Idempotent,
		Context:   map[string]string{"b": "2", "a": "1"},
		RequestID: 7,
	}

	msg, err := EncodeRequest(NewRequestBody(current, []byte{1, 2, 3}))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	read, err := ReadMessage(&buf, DefaultMessageSizeMax)
	require.NoError(t, err)
	assert.Equal(t, MessageRequest, read.Type)

	body, err := DecodeRequest(read)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, body.Params)
	assert.Equal(t, []ContextEntry{{"a", "1"}, {"b", "2"}}, body.Context)

	got := body.Current("adapter", "conn")
	assert.Equal(t, current.ID, got.ID)
	assert.Equal(t, current.Facet, got.Facet)
	assert.Equal(t, current.Operation, got.Operation)
	assert.Equal(t, current.Mode, got.Mode)
	assert.Equal(t, current.Context, got.Context)
	assert.Equal(t, uint32(7), got.RequestID)
	assert.Equal(t, "adapter", got.Adapter)
}

func TestReplyRoundTrip(t *testing.T) {
	msg, err := EncodeReply(&ReplyBody{RequestID: 9, Status: uint32(ReplyUserError), Message: "boom", Payload: []byte("x")})
	require.NoError(t, err)

	read, err := ReadMessage(bytes.NewReader(msg.Encode()), 0)
	require.NoError(t, err)

	body, err := DecodeReply(read)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), body.RequestID)
	assert.Equal(t, ReplyUserError, ReplyStatus(body.Status))
	assert.Equal(t, "boom", body.Message)
	assert.Equal(t, []byte("x"), body.Payload)

	_, err = DecodeRequest(read)
	assert.Error(t, err)
}

func TestReadMessageErrors(t *testing.T) {
	valid := ValidateConnection().Encode()

	tests := []struct {
		name    string
		data    func() []byte
		maxSize int
		code    rpc.ErrorCode
	}{
		{
			name: "bad magic",
			data: func() []byte {
				b := append([]byte(nil), valid...)
				b[0] = 'X'
				return b
			},
			code: rpc.CodeProtocol,
		},
		{
			name: "bad protocol version",
			data: func() []byte {
				b := append([]byte(nil), valid...)
				b[4] = 9
				return b
			},
			code: rpc.CodeProtocol,
		},
		{
			name: "unknown type",
			data: func() []byte {
				b := append([]byte(nil), valid...)
				b[6] = 1
				return b
			},
			code: rpc.CodeProtocol,
		},
		{
			name: "size smaller than header",
			data: func() []byte {
				b := append([]byte(nil), valid...)
				binary.BigEndian.PutUint32(b[8:], 4)
				return b
			},
			code: rpc.CodeProtocol,
		},
		{
			name: "too large",
			data: func() []byte {
				return (&Message{Type: MessageRequest, Body: make([]byte, 100)}).Encode()
			},
			maxSize: 64,
			code:    rpc.CodeMemoryLimit,
		},
		{
			name: "truncated body",
			data: func() []byte {
				b := (&Message{Type: MessageRequest, Body: make([]byte, 10)}).Encode()
				return b[:len(b)-3]
			},
			code: rpc.CodeProtocol,
		},
		{
			name: "truncated header",
			data: func() []byte { return valid[:5] },
			code: rpc.CodeProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.data()), tt.maxSize)
			require.Error(t, err)
			code, ok := rpc.CodeOf(err)
			require.True(t, ok, "expected *rpc.Error, got %v", err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestReadMessageEOF(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderOnlyMessages(t *testing.T) {
	for _, m := range []*Message{ValidateConnection(), CloseConnection()} {
		assert.Equal(t, HeaderSize, m.Size())
		read, err := ReadMessage(bytes.NewReader(m.Encode()), 0)
		require.NoError(t, err)
		assert.Equal(t, m.Type, read.Type)
		assert.Empty(t, read.Body)
	}
}
