package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// serve accepts one connection and hands it to handle.
func serve(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, Options{Context: map[string]string{"k": "v"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readRequest(conn net.Conn) (*protocol.RequestBody, error) {
	msg, err := protocol.ReadMessage(conn, protocol.DefaultMessageSizeMax)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeRequest(msg)
}

func writeReply(conn net.Conn, reply *protocol.ReplyBody) error {
	msg, err := protocol.EncodeReply(reply)
	if err != nil {
		return err
	}
	return protocol.WriteMessage(conn, msg)
}

func TestInvokeMapsReplyStatuses(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		for {
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			reply := &protocol.ReplyBody{RequestID: req.RequestID}
			switch req.Operation {
			case "ok":
				reply.Payload = append([]byte(req.Context[0].Value), req.Params...)
			case "user":
				reply.Status = uint32(protocol.ReplyUserError)
				reply.Message = "nope"
				reply.Payload = []byte{7}
			case "missing":
				reply.Status = uint32(protocol.ReplyObjectNotExist)
			case "noop":
				reply.Status = uint32(protocol.ReplyOperationNotExist)
			default:
				reply.Status = uint32(protocol.ReplyUnknownError)
				reply.Message = "exploded"
			}
			if err := writeReply(conn, reply); err != nil {
				return
			}
		}
	})
	c := dial(t, addr)
	ctx := context.Background()
	id := rpc.Identity{Category: "c", Name: "n"}

	out, err := c.Invoke(ctx, id, "ok", rpc.Normal, []byte("!"))
	require.NoError(t, err)
	assert.Equal(t, "v!", string(out))

	_, err = c.Invoke(ctx, id, "user", rpc.Normal, nil)
	var userErr *rpc.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "nope", userErr.Message)
	assert.Equal(t, []byte{7}, userErr.Payload)

	_, err = c.Invoke(ctx, id, "missing", rpc.Normal, nil)
	assert.True(t, rpc.IsObjectNotFound(err))

	_, err = c.Invoke(ctx, id, "noop", rpc.Normal, nil)
	code, ok := rpc.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, rpc.CodeOperationNotExist, code)

	_, err = c.Invoke(ctx, id, "other", rpc.Normal, nil)
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Contains(t, err.Error(), "exploded")
}

func TestRepliesMatchedByRequestID(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		first, err := readRequest(conn)
		if err != nil {
			return
		}
		second, err := readRequest(conn)
		if err != nil {
			return
		}
		// Answer in reverse order.
		for _, req := range []*protocol.RequestBody{second, first} {
			if err := writeReply(conn, &protocol.ReplyBody{RequestID: req.RequestID, Payload: []byte(req.Operation)}); err != nil {
				return
			}
		}
		_, _ = protocol.ReadMessage(conn, protocol.DefaultMessageSizeMax)
	})
	c := dial(t, addr)

	results := make(chan string, 2)
	for _, op := range []string{"a", "b"} {
		go func() {
			out, err := c.Invoke(context.Background(), rpc.Identity{Name: "x"}, op, rpc.Normal, nil)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- op + "=" + string(out)
		}()
	}

	got := []string{<-results, <-results}
	assert.ElementsMatch(t, []string{"a=a", "b=b"}, got)
}

func TestOnewayUsesRequestIDZero(t *testing.T) {
	received := make(chan *protocol.RequestBody, 1)
	addr := serve(t, func(conn net.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		received <- req
		_, _ = protocol.ReadMessage(conn, protocol.DefaultMessageSizeMax)
	})
	c := dial(t, addr)

	require.NoError(t, c.InvokeOneway(rpc.Identity{Name: "x"}, "fire", rpc.Idempotent, []byte("p")))
	select {
	case req := <-received:
		assert.Zero(t, req.RequestID)
		assert.Equal(t, "fire", req.Operation)
		assert.Equal(t, uint32(rpc.Idempotent), req.Mode)
		assert.Equal(t, []byte("p"), req.Params)
	case <-time.After(2 * time.Second):
		t.Fatal("request not received")
	}
}

func TestInvokeHonoursContext(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		_, _ = readRequest(conn)
		_, _ = protocol.ReadMessage(conn, protocol.DefaultMessageSizeMax)
	})
	c := dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, rpc.Identity{Name: "x"}, "slow", rpc.Normal, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerCloseFailsPendingCalls(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		_ = protocol.WriteMessage(conn, protocol.ValidateConnection())
		_ = protocol.WriteMessage(conn, protocol.CloseConnection())
	})
	c := dial(t, addr)

	_, err := c.Invoke(context.Background(), rpc.Identity{Name: "x"}, "op", rpc.Normal, nil)
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed")
	}
	assert.Equal(t, int64(1), c.Validations())

	_, err = c.Invoke(context.Background(), rpc.Identity{Name: "x"}, "op", rpc.Normal, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Ping(), ErrClosed)
}

func TestCloseSendsCloseConnection(t *testing.T) {
	received := make(chan protocol.MessageType, 2)
	addr := serve(t, func(conn net.Conn) {
		for {
			msg, err := protocol.ReadMessage(conn, protocol.DefaultMessageSizeMax)
			if err != nil {
				return
			}
			received <- msg.Type
		}
	})
	c, err := Dial(context.Background(), addr, Options{})
	require.NoError(t, err)

	require.NoError(t, c.Ping())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, protocol.MessageValidateConnection, <-received)
	assert.Equal(t, protocol.MessageCloseConnection, <-received)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, Options{})
	assert.Error(t, err)
}
