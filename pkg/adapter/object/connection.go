package object

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/threadpool"
)

// Close reasons reported to metrics.
const (
	closePeer     = "peer"
	closeIdle     = "idle"
	closeError    = "error"
	closeShutdown = "shutdown"
	closeRejected = "rejected"
)

// acceptTimeout bounds an accept attempted by the leader. The listener is
// readable when it runs, so the accept normally returns at once.
const acceptTimeout = 50 * time.Millisecond

// acceptRetryDelay paces accepts after a transient failure such as EMFILE,
// which leaves the listener readable.
const acceptRetryDelay = 10 * time.Millisecond

// rawFd returns the descriptor behind c without duplicating it. It stays
// valid until c is closed.
func rawFd(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// acceptor is the listening socket's event handler. Its Read accepts one
// connection and registers it with the pool.
type acceptor struct {
	adapter  *ObjectAdapter
	listener *net.TCPListener
	fd       int
	once     sync.Once
}

func newAcceptor(a *ObjectAdapter, ln *net.TCPListener) (*acceptor, error) {
	fd, err := rawFd(ln)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: listener descriptor: %w", a.config.Name, err)
	}
	return &acceptor{adapter: a, listener: ln, fd: fd}, nil
}

func (ac *acceptor) Fd() int { return ac.fd }

func (ac *acceptor) Read(_ *threadpool.ThreadPool) (*protocol.Message, error) {
	if err := ac.listener.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
		return nil, err
	}
	tcp, err := ac.adapter.acceptTCP(ac.listener)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || isTimeout(err) {
			return nil, err
		}
		// Resource exhaustion and aborted handshakes only cost the
		// connection being accepted. The listener stays registered.
		ac.adapter.log.Warn("Adapter %s: error accepting connection: %v", ac.adapter.config.Name, err)
		time.Sleep(acceptRetryDelay)
		return nil, nil
	}
	ac.adapter.accept(tcp)
	return nil, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (ac *acceptor) Message(_ *protocol.Message, _ *threadpool.ThreadPool) {}

func (ac *acceptor) Exception(err error) {
	if ac.adapter.isShuttingDown() {
		ac.adapter.log.Debug("Adapter %s: accept stopped: %v", ac.adapter.config.Name, err)
		return
	}
	ac.adapter.fail(fmt.Errorf("accept: %w", err))
}

func (ac *acceptor) Finished(_ *threadpool.ThreadPool) {
	ac.once.Do(func() {
		if err := ac.listener.Close(); err != nil {
			ac.adapter.log.Debug("Adapter %s: error closing listener: %v", ac.adapter.config.Name, err)
		}
	})
}

func (ac *acceptor) String() string {
	return fmt.Sprintf("%s acceptor %s", ac.adapter.config.Name, ac.listener.Addr())
}

// accept admits tcp as a new connection.
func (a *ObjectAdapter) accept(tcp *net.TCPConn) {
	remote := tcp.RemoteAddr().String()

	if a.connSemaphore != nil {
		select {
		case a.connSemaphore <- struct{}{}:
		default:
			a.log.Warn("Adapter %s: connection limit %d reached, rejecting %s",
				a.config.Name, a.config.MaxConnections, remote)
			_ = tcp.Close()
			a.metrics.RecordConnectionClosed(closeRejected)
			return
		}
	}

	release := func() {
		_ = tcp.Close()
		if a.connSemaphore != nil {
			<-a.connSemaphore
		}
	}

	fd, err := rawFd(tcp)
	if err != nil {
		a.log.Warn("Adapter %s: descriptor for %s: %v", a.config.Name, remote, err)
		release()
		return
	}
	_ = tcp.SetNoDelay(true)

	c := newConnection(a, tcp, fd)

	// Registration happens under the read lock so that initiateShutdown
	// either sees the connection fully registered or rejects it here.
	a.mu.RLock()
	if a.stopping {
		a.mu.RUnlock()
		release()
		a.metrics.RecordConnectionClosed(closeShutdown)
		return
	}
	if err := a.pool.Register(fd, c); err != nil {
		a.mu.RUnlock()
		a.log.Warn("Adapter %s: cannot register %s: %v", a.config.Name, remote, err)
		release()
		a.metrics.RecordConnectionClosed(closeError)
		return
	}
	a.activeConns.Add(1)
	current := a.connCount.Add(1)
	a.activeConnections.Store(fd, c)
	if err := a.monitor.Add(c); err != nil {
		a.log.Debug("Adapter %s: %s not monitored: %v", a.config.Name, c, err)
	}
	a.mu.RUnlock()

	a.metrics.RecordConnectionAccepted()
	a.metrics.SetActiveConnections(current)

	a.log.Debug("Adapter %s: connection accepted from %s (active: %d)", a.config.Name, remote, current)
}

// connection is one accepted client socket.
//
// The leader reads it through an Assembler so a message split across
// readiness events is resumed rather than blocking the pool. Requests are
// dispatched concurrently; replies are serialized by writeMu. The socket is
// only closed in Finished, once the pool has dropped its descriptor, so the
// descriptor number cannot be reused while still registered.
type connection struct {
	adapter *ObjectAdapter
	conn    *net.TCPConn
	fd      int
	remote  string
	asm     *protocol.Assembler

	writeMu sync.Mutex

	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
	finishOnce   sync.Once
}

func newConnection(a *ObjectAdapter, tcp *net.TCPConn, fd int) *connection {
	c := &connection{
		adapter: a,
		conn:    tcp,
		fd:      fd,
		remote:  tcp.RemoteAddr().String(),
		asm:     protocol.NewAssembler(a.pool.MessageSizeMax()),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *connection) Fd() int { return c.fd }

func (c *connection) Read(_ *threadpool.ThreadPool) (*protocol.Message, error) {
	if d := c.adapter.config.ReadTimeout; d > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return nil, err
		}
	}

	msg, err := c.asm.ReadFrom(c.conn)
	if err != nil {
		return nil, err
	}
	c.touch()
	c.adapter.metrics.RecordBytesTransferred("in", msg.Size())

	if msg.Type == protocol.MessageValidateConnection {
		return nil, nil
	}
	return msg, nil
}

func (c *connection) Message(msg *protocol.Message, _ *threadpool.ThreadPool) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case protocol.MessageRequest:
		c.adapter.handleRequest(c, msg)
	case protocol.MessageCloseConnection:
		c.adapter.log.Debug("Adapter %s: %s closed by peer", c.adapter.config.Name, c)
		c.close(closePeer)
	default:
		c.adapter.log.Warn("Adapter %s: unexpected %s message from %s", c.adapter.config.Name, msg.Type, c)
		c.close(closeError)
	}
}

func (c *connection) Exception(err error) {
	reason := closeError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET):
		reason = closePeer
		c.adapter.log.Debug("Adapter %s: %s closed by client", c.adapter.config.Name, c)
	default:
		c.adapter.log.Debug("Adapter %s: error reading from %s: %v", c.adapter.config.Name, c, err)
	}
	c.close(reason)
}

func (c *connection) Finished(_ *threadpool.ThreadPool) {
	c.finish()
}

// Monitor closes the connection when it has been idle for too long and
// otherwise sends a ValidateConnection probe.
func (c *connection) Monitor() error {
	if c.closed.Load() {
		return nil
	}
	if idle := c.adapter.config.IdleTimeout; idle > 0 && c.idle() > idle {
		c.adapter.log.Debug("Adapter %s: closing %s after %v idle", c.adapter.config.Name, c, idle)
		c.close(closeIdle)
		return nil
	}
	if err := c.send(protocol.ValidateConnection()); err != nil {
		c.close(closeError)
		return err
	}
	return nil
}

func (c *connection) String() string {
	return c.remote
}

// send writes msg, serialized with other replies on this connection.
func (c *connection) send(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() && msg.Type != protocol.MessageCloseConnection {
		return errClosed
	}
	if d := c.adapter.config.WriteTimeout; d > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", msg.Type, c.remote, err)
	}
	c.adapter.metrics.RecordBytesTransferred("out", msg.Size())
	return nil
}

// close stops serving the connection. Locally initiated closes tell the
// peer with CloseConnection first. The socket itself is closed by finish.
func (c *connection) close(reason string) {
	c.closeOnce.Do(func() {
		a := c.adapter
		c.closed.Store(true)
		a.activeConnections.Delete(c.fd)
		if err := a.monitor.Remove(c); err != nil {
			a.log.Debug("Adapter %s: %v", a.config.Name, err)
		}

		if reason == closeIdle || reason == closeShutdown {
			if err := c.send(protocol.CloseConnection()); err != nil {
				a.log.Debug("Adapter %s: %v", a.config.Name, err)
			}
		}
		a.metrics.RecordConnectionClosed(reason)

		if err := a.pool.Unregister(c.fd); err != nil {
			// Destroyed pools never call Finished.
			a.log.Debug("Adapter %s: unregister %s: %v", a.config.Name, c, err)
			c.finish()
		}
	})
}

// finish closes the socket and releases the connection's slot.
func (c *connection) finish() {
	c.finishOnce.Do(func() {
		a := c.adapter
		c.closed.Store(true)
		_ = c.conn.Close()
		a.activeConnections.Delete(c.fd)

		current := a.connCount.Add(-1)
		if a.connSemaphore != nil {
			<-a.connSemaphore
		}
		a.activeConns.Done()
		a.metrics.SetActiveConnections(current)

		a.log.Debug("Adapter %s: connection closed from %s (active: %d)", a.config.Name, c.remote, current)
	})
}
