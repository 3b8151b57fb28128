package proxy

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Conn is the pair of sockets owned by one worker. Each socket is closed
// exactly once, either by the worker's teardown or by server cancellation,
// whichever comes first.
type Conn struct {
	mu       sync.Mutex
	client   net.Conn
	upstream net.Conn
	state    State

	clientClosed   bool
	upstreamClosed bool
	closed         bool
}

func newConn(client net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{client: withIdleTimeout(client, idleTimeout)}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// attachUpstream hands ownership of up to c. If c was already closed, up is
// closed immediately and net.ErrClosed is returned.
func (c *Conn) attachUpstream(up net.Conn, idleTimeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = up.Close()
		return net.ErrClosed
	}
	c.upstream = withIdleTimeout(up, idleTimeout)
	return nil
}

func (c *Conn) closeUpstreamLocked() error {
	if c.upstream == nil || c.upstreamClosed {
		return nil
	}
	c.upstreamClosed = true
	return c.upstream.Close()
}

// CloseUpstream releases the upstream socket, if one is attached.
func (c *Conn) CloseUpstream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeUpstreamLocked()
}

// Close releases both sockets. It is safe to call concurrently and more than
// once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	uerr := c.closeUpstreamLocked()

	var cerr error
	if !c.clientClosed {
		c.clientClosed = true
		cerr = c.client.Close()
	}
	return errors.Join(cerr, uerr)
}

// idleConn refreshes a deadline before every Read and Write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func withIdleTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
