package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/getproxy/internal/dialer"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("proxy: server closed")

// Server is a forwarding HTTP proxy. Each accepted connection is served by
// its own goroutine, bounded by Config.MaxConns and tracked so Shutdown can
// wait for it.
type Server struct {
	cfg Config
	log logr.Logger
	sem *semaphore.Weighted

	// acceptCtx ends on Shutdown or Close; workCtx only on Close.
	acceptCtx    context.Context
	acceptCancel context.CancelFunc
	workCtx      context.Context
	workCancel   context.CancelFunc

	mu        sync.Mutex
	closing   bool
	listeners map[net.Listener]struct{}
	workers   sync.WaitGroup

	accepted atomic.Uint64
	active   atomic.Int64
}

// Stats is a snapshot of server counters.
type Stats struct {
	Accepted uint64
	Active   int64
}

// NewServer constructs a proxy server. Canceling ctx stops accepting and
// aborts in-flight connections like Close, without waiting for them.
//
// A nil cfg.Dialer dials origin servers directly.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		listeners: make(map[net.Listener]struct{}),
	}
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConns)
	}
	s.workCtx, s.workCancel = context.WithCancel(ctx)
	s.acceptCtx, s.acceptCancel = context.WithCancel(s.workCtx)
	context.AfterFunc(s.acceptCtx, s.stopAccepting)
	return s
}

// Serve accepts connections on ln until the server is shut down or ln fails
// permanently. Transient accept errors are logged and retried with backoff.
// Serve always closes ln before returning.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	var backoff time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.acceptCtx, 1); err != nil {
				return ErrServerClosed
			}
		}

		c, err := ln.Accept()
		if err != nil {
			s.release()
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			backoff = nextBackoff(backoff)
			s.log.Error(err, "accept failed; retrying", "delay", backoff.String())
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-s.acceptCtx.Done():
				t.Stop()
				return ErrServerClosed
			}
			continue
		}
		backoff = 0

		if !s.startWorker() {
			s.release()
			_ = c.Close()
			return ErrServerClosed
		}
		s.accepted.Add(1)

		go func() {
			defer s.workers.Done()
			defer s.release()
			defer s.active.Add(-1)

			_ = s.ServeConn(s.workCtx, c)
		}()
	}
}

// Shutdown stops accepting, closes all listeners and waits for in-flight
// connections to finish or for ctx to end, whichever is first. Connections
// still running when ctx ends are left alone; call Close to abort them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopAccepting()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting, aborts every in-flight connection and waits for
// their workers to exit.
func (s *Server) Close() error {
	s.stopAccepting()
	s.workCancel()
	s.workers.Wait()
	return nil
}

// Stats returns the number of accepted and currently active connections.
func (s *Server) Stats() Stats {
	return Stats{Accepted: s.accepted.Load(), Active: s.active.Load()}
}

func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()
	s.acceptCancel()
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
	_ = ln.Close()
}

// startWorker registers a worker unless shutdown has begun. Registration
// happens under mu so it is ordered before Shutdown's Wait.
func (s *Server) startWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.workers.Add(1)
	s.active.Add(1)
	return true
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	const maxBackoff = time.Second
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > maxBackoff {
		d = maxBackoff
	}
	return d
}
