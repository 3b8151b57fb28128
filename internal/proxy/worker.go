package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/die-net/getproxy/internal/request"
)

// ErrMethodNotAllowed rejects every method except GET.
var ErrMethodNotAllowed = errors.New("method not supported")

// ServeConn runs one proxy transaction on client and closes it before
// returning. It returns nil when the transaction completed or the client sent
// nothing; otherwise the error describes where it stopped.
//
// Canceling ctx closes both sockets, unblocking any pending I/O.
func (s *Server) ServeConn(ctx context.Context, client net.Conn) error {
	_, err := s.serveConn(ctx, client)
	return err
}

// serveConn is ServeConn that also reports the state the connection ended in.
func (s *Server) serveConn(ctx context.Context, client net.Conn) (State, error) {
	c := newConn(client, s.cfg.IdleTimeout)
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()
	defer c.Close()

	log := s.log.WithValues("client", client.RemoteAddr().String())

	err := s.transact(ctx, c, log)
	st := c.State()
	if err != nil {
		log.V(1).Info("connection error", "state", st.String(), "error", err.Error())
	}
	if !st.Terminal() {
		st = StateFailed
		if err == nil {
			st = StateClosed
		}
		c.setState(st)
	}
	return st, err
}

func (s *Server) transact(ctx context.Context, c *Conn, log logr.Logger) error {
	c.setState(StateReadRequestLine)

	br := clientReaders.Get(c.client)
	defer clientReaders.Put(br)

	raw, truncated, err := request.ReadLine(br, s.cfg.MaxLineBytes)
	if err != nil {
		c.setState(StateClosed)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read request line: %w", err)
	}

	c.setState(StateParse)
	line := request.ParseLine(string(raw))
	log.Info("request", "line", line.String(), "truncated", truncated)

	if !line.IsGet() {
		c.setState(StateRejected)
		err := fmt.Errorf("%w: %q", ErrMethodNotAllowed, line.Method)
		s.reject(c, http.StatusNotImplemented, err)
		return err
	}

	c.setState(StateResolveTarget)
	target, err := request.ParseTarget(line.URI)
	if err != nil {
		c.setState(StateRejected)
		s.reject(c, http.StatusBadRequest, err)
		return err
	}

	c.setState(StateConnectUpstream)
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		c.setState(StateFailed)
		s.reject(c, http.StatusBadGateway, err)
		return fmt.Errorf("connect upstream: %w", err)
	}
	if err := c.attachUpstream(up, s.cfg.IdleTimeout); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("connect upstream: %w", err)
	}

	c.setState(StateForwardRequest)
	if err := forwardRequest(c.upstream, br, target.Path); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("forward to %s: %w", target.Addr(), err)
	}

	c.setState(StateRelayResponse)
	ubr := upstreamReaders.Get(c.upstream)
	n, err := relay(c.client, ubr)
	upstreamReaders.Put(ubr)
	_ = c.CloseUpstream()
	c.setState(StateClosed)

	log.V(1).Info("response relayed", "upstream", target.Addr(), "bytes", n)
	if err != nil {
		return fmt.Errorf("relay from %s: %w", target.Addr(), err)
	}
	return nil
}

// reject answers the client with an error response when those are enabled.
// Nothing has been written to the client at this point.
func (s *Server) reject(c *Conn, code int, err error) {
	if !s.cfg.ErrorResponses {
		return
	}
	_ = writeError(c.client, code, err)
}
