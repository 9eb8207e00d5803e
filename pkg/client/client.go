// Package client is a minimal request/reply client for object adapters.
//
// One Client owns one connection. Invocations may be issued concurrently;
// replies are matched to requests by request id.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

var (
	// ErrClosed is returned by invocations on a closed client or after the
	// server closed the connection.
	ErrClosed = errors.New("client: connection closed")

	// ErrUnknown wraps failures the server reported as unknown errors.
	ErrUnknown = errors.New("unknown remote error")
)

// Options configures a Client.
type Options struct {
	// WriteTimeout bounds writing one request (default 10s)
	WriteTimeout time.Duration

	// MessageSizeMax bounds replies (default protocol.DefaultMessageSizeMax)
	MessageSizeMax int

	// Context is sent with every request.
	Context map[string]string
}

func (o *Options) applyDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MessageSizeMax <= 0 {
		o.MessageSizeMax = protocol.DefaultMessageSizeMax
	}
}

// Client is a connection to an object adapter.
type Client struct {
	conn net.Conn
	opts Options

	nextID  atomic.Uint32
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan *protocol.ReplyBody
	err     error

	validations atomic.Int64
	closeOnce   sync.Once
	done        chan struct{}
}

// Dial connects to the adapter listening on addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts.applyDefaults()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[uint32]chan *protocol.ReplyBody),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Invoke calls operation on the object id and waits for the reply.
//
// The reply status is mapped back to an error: *rpc.UserError for
// application faults, an rpc.CodeObjectNotFound or
// rpc.CodeOperationNotExist *rpc.Error for those statuses, and an error
// wrapping ErrUnknown for anything else.
func (c *Client) Invoke(ctx context.Context, id rpc.Identity, operation string, mode rpc.OperationMode, params []byte) ([]byte, error) {
	requestID := c.nextID.Add(1)
	if requestID == 0 {
		requestID = c.nextID.Add(1)
	}

	ch := make(chan *protocol.ReplyBody, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(id, operation, mode, params, requestID); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, c.failure()
		}
		return reply.Payload, replyError(id, operation, reply)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeOneway sends a request that gets no reply.
func (c *Client) InvokeOneway(id rpc.Identity, operation string, mode rpc.OperationMode, params []byte) error {
	return c.send(id, operation, mode, params, 0)
}

func (c *Client) send(id rpc.Identity, operation string, mode rpc.OperationMode, params []byte, requestID uint32) error {
	current := &rpc.Current{
		ID:        id,
		Operation: operation,
		Mode:      mode,
		Context:   c.opts.Context,
		RequestID: requestID,
	}
	msg, err := protocol.EncodeRequest(protocol.NewRequestBody(current, params))
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Ping sends a ValidateConnection message, verifying the connection is
// writable.
func (c *Client) Ping() error {
	return c.write(protocol.ValidateConnection())
}

// Validations returns the number of ValidateConnection probes received
// from the server.
func (c *Client) Validations() int64 {
	return c.validations.Load()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends CloseConnection and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if werr := c.write(protocol.CloseConnection()); werr != nil && !errors.Is(werr, ErrClosed) {
			err = werr
		}
		c.fail(ErrClosed)
		if cerr := c.conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-c.done
	})
	return err
}

func (c *Client) write(msg *protocol.Message) error {
	if err := c.failure(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return protocol.WriteMessage(c.conn, msg)
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		msg, err := protocol.ReadMessage(c.conn, c.opts.MessageSizeMax)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		switch msg.Type {
		case protocol.MessageReply:
			reply, err := protocol.DecodeReply(msg)
			if err != nil {
				c.fail(err)
				_ = c.conn.Close()
				return
			}
			c.mu.Lock()
			ch, ok := c.pending[reply.RequestID]
			delete(c.pending, reply.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- reply
			}
		case protocol.MessageValidateConnection:
			c.validations.Add(1)
		case protocol.MessageCloseConnection:
			c.fail(ErrClosed)
			_ = c.conn.Close()
			return
		}
	}
}

// fail records the first terminal error and wakes every pending call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func replyError(id rpc.Identity, operation string, reply *protocol.ReplyBody) error {
	switch protocol.ReplyStatus(reply.Status) {
	case protocol.ReplyOK:
		return nil
	case protocol.ReplyUserError:
		return &rpc.UserError{Message: reply.Message, Payload: reply.Payload}
	case protocol.ReplyObjectNotExist:
		return rpc.ObjectNotFound(id)
	case protocol.ReplyOperationNotExist:
		return rpc.OperationNotExist(&rpc.Current{ID: id, Operation: operation})
	default:
		return fmt.Errorf("%w: %s", ErrUnknown, reply.Message)
	}
}
