package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/getproxy/internal/dialer"
	"github.com/die-net/getproxy/internal/request"
	"github.com/die-net/getproxy/internal/testutil"
)

const okResponse = "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nhello\nworld\n"

// countingDialer counts dial attempts before delegating to a direct dialer.
type countingDialer struct {
	dials atomic.Int32
	next  dialer.Dialer
}

func newCountingDialer() *countingDialer {
	return &countingDialer{next: dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})}
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	return d.next.DialContext(ctx, network, address)
}

// startProxy serves cfg on a loopback listener until the test ends.
func startProxy(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	if cfg.Log.GetSink() == nil {
		cfg.Log = testr.New(t)
	}

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false}, false)
	require.NoError(t, err)

	srv := NewServer(context.Background(), cfg)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.ErrorIs(t, <-served, ErrServerClosed)
	})
	return srv, ln.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

// roundTrip sends raw to the proxy and returns everything read until the
// proxy closes the connection.
func roundTrip(t *testing.T, addr, raw string) []byte {
	t.Helper()

	return exchange(dialProxy(t, addr), raw)
}

// exchange writes raw to c and reads until EOF. It makes no assertions so it
// can run off the test goroutine.
func exchange(c net.Conn, raw string) []byte {
	if _, err := io.WriteString(c, raw); err != nil {
		return nil
	}
	got, _ := io.ReadAll(c)
	return got
}

func TestProxyForwardsGet(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))
	_, addr := startProxy(t, Config{})

	got := roundTrip(t, addr, "GET http://"+origin.Addr()+"/a/b?c=d HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Connection: keep-alive\r\n"+
		"X-Test: 1\r\n"+
		"User-Agent: curl/8.0\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"\r\n")
	assert.Equal(t, okResponse, string(got))

	heads := origin.Heads()
	require.Len(t, heads, 1)
	assert.Equal(t, "GET /a/b?c=d HTTP/1.0\r\nHost: example.com\r\nX-Test: 1\r\n"+fixedHeaders, heads[0])
	assert.NotContains(t, heads[0], "keep-alive")
	assert.Equal(t, 1, strings.Count(heads[0], "\r\nConnection: close\r\n"))
}

func TestProxyDefaultsPathForBareHost(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))
	_, addr := startProxy(t, Config{})

	got := roundTrip(t, addr, "get http://"+origin.Addr()+" HTTP/1.1\r\n\r\n")
	assert.Equal(t, okResponse, string(got))

	heads := origin.Heads()
	require.Len(t, heads, 1)
	assert.True(t, strings.HasPrefix(heads[0], "GET / HTTP/1.0\r\n"), heads[0])
}

func TestProxyForwardsLongHeaderLine(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))
	_, addr := startProxy(t, Config{})

	cookie := "Cookie: " + strings.Repeat("c", 9000) + "\r\n"
	got := roundTrip(t, addr, "GET http://"+origin.Addr()+"/ HTTP/1.1\r\nHost: x\r\n"+cookie+"\r\n")
	assert.Equal(t, okResponse, string(got))

	heads := origin.Heads()
	require.Len(t, heads, 1)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: x\r\n"+cookie+fixedHeaders, heads[0])
}

func TestProxyTruncatesLongRequestLine(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))
	_, addr := startProxy(t, Config{MaxLineBytes: 64})

	line := "GET http://" + origin.Addr() + "/" + strings.Repeat("p", 200) + " HTTP/1.1"
	got := roundTrip(t, addr, line+"\r\nHost: x\r\n\r\n")
	assert.Equal(t, okResponse, string(got))

	kept := line[:64]
	path := kept[strings.Index(kept, origin.Addr())+len(origin.Addr()):]

	heads := origin.Heads()
	require.Len(t, heads, 1)
	assert.Equal(t, "GET "+path+" HTTP/1.0\r\nHost: x\r\n"+fixedHeaders, heads[0])
}

func TestProxyByteFidelity(t *testing.T) {
	body := append([]byte("HTTP/1.0 200 OK\r\nContent-Type: application/octet-stream\r\n\r\n"), binaryPayload(200_000)...)
	body = append(body, bytes.Repeat([]byte("z"), 70_000)...) // longer than the relay buffer, no newline

	origin := testutil.StartOrigin(t, body)
	_, addr := startProxy(t, Config{})

	got := roundTrip(t, addr, "GET http://"+origin.Addr()+"/blob HTTP/1.0\r\n\r\n")
	assert.True(t, bytes.Equal(body, got), "client got %d bytes, origin sent %d", len(got), len(body))
}

func TestProxyRejectsNonGet(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))
	d := newCountingDialer()
	_, addr := startProxy(t, Config{Dialer: d})

	got := roundTrip(t, addr, "POST http://"+origin.Addr()+"/ HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	assert.Empty(t, got)
	assert.Zero(t, d.dials.Load())
	assert.Empty(t, origin.Heads())
}

func TestProxyUpstreamFailureClosesSilently(t *testing.T) {
	_, addr := startProxy(t, Config{})

	got := roundTrip(t, addr, "GET http://"+testutil.UnusedAddr(t)+"/ HTTP/1.1\r\n\r\n")
	assert.Empty(t, got)
}

func TestProxyErrorResponses(t *testing.T) {
	d := newCountingDialer()
	_, addr := startProxy(t, Config{Dialer: d, ErrorResponses: true})

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "method", raw: "POST http://x.com/ HTTP/1.1\r\n\r\n", want: "HTTP/1.0 501 Not Implemented\r\n"},
		{name: "empty host", raw: "GET http:///x HTTP/1.1\r\n\r\n", want: "HTTP/1.0 400 Bad Request\r\n"},
		{name: "bad port", raw: "GET http://x.com:70000/ HTTP/1.1\r\n\r\n", want: "HTTP/1.0 400 Bad Request\r\n"},
		{name: "upstream down", raw: "GET http://" + testutil.UnusedAddr(t) + "/ HTTP/1.1\r\n\r\n", want: "HTTP/1.0 502 Bad Gateway\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, addr, tt.raw)
			assert.True(t, strings.HasPrefix(string(got), tt.want), "got %q", got)
			assert.Contains(t, string(got), "Connection: close\r\n")
		})
	}
	assert.EqualValues(t, 1, d.dials.Load(), "only the resolvable GET dials")
}

func TestProxyIndependentConcurrentClients(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))
	_, addr := startProxy(t, Config{})
	dead := testutil.UnusedAddr(t)

	goodConn := dialProxy(t, addr)
	badConn := dialProxy(t, addr)

	var good, bad []byte
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		good = exchange(goodConn, "GET http://"+origin.Addr()+"/ HTTP/1.1\r\n\r\n")
	}()
	go func() {
		defer wg.Done()
		bad = exchange(badConn, "GET http://"+dead+"/ HTTP/1.1\r\n\r\n")
	}()
	wg.Wait()

	assert.Equal(t, okResponse, string(good))
	assert.Empty(t, bad)
}

func TestProxySurvivesClientDisconnect(t *testing.T) {
	big := append([]byte("HTTP/1.0 200 OK\r\n\r\n"), binaryPayload(4<<20)...)
	bigOrigin := testutil.StartOrigin(t, big)
	origin := testutil.StartOrigin(t, []byte(okResponse))
	srv, addr := startProxy(t, Config{})

	c := dialProxy(t, addr)
	_, err := io.WriteString(c, "GET http://"+bigOrigin.Addr()+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return srv.Stats().Active == 0 }, 5*time.Second, 10*time.Millisecond)

	got := roundTrip(t, addr, "GET http://"+origin.Addr()+"/ HTTP/1.0\r\n\r\n")
	assert.Equal(t, okResponse, string(got))
	assert.EqualValues(t, 2, srv.Stats().Accepted)
}

// gatedOrigin reads one request head, reports it on got and holds the
// response back until release is closed.
func gatedOrigin(t *testing.T) (addr string, got <-chan struct{}, release func()) {
	t.Helper()

	gotc := make(chan struct{}, 1)
	rel := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(rel) }) }

	ln, wait := testutil.StartSingleAcceptServer(context.Background(), t, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		gotc <- struct{}{}
		<-rel
		_, _ = io.WriteString(c, okResponse)
	})
	t.Cleanup(wait)
	t.Cleanup(release) // runs before wait

	return ln.Addr().String(), gotc, release
}

func TestShutdownWaitsForInflight(t *testing.T) {
	upAddr, got, release := gatedOrigin(t)
	srv, addr := startProxy(t, Config{})

	c := dialProxy(t, addr)
	_, err := io.WriteString(c, "GET http://"+upAddr+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	<-got

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)

	// New connections are refused once shutdown starts.
	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)

	release()
	require.NoError(t, srv.Shutdown(context.Background()))

	resp, _ := io.ReadAll(c)
	assert.Equal(t, okResponse, string(resp))
}

func TestCloseAbortsInflight(t *testing.T) {
	upAddr, got, _ := gatedOrigin(t)
	srv, addr := startProxy(t, Config{})

	c := dialProxy(t, addr)
	_, err := io.WriteString(c, "GET http://"+upAddr+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	<-got

	closed := make(chan struct{})
	go func() {
		_ = srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not abort the in-flight connection")
	}

	resp, _ := io.ReadAll(c)
	assert.Empty(t, resp)
}

func TestMaxConnsAppliesBackpressure(t *testing.T) {
	upAddr, got, release := gatedOrigin(t)
	origin := testutil.StartOrigin(t, []byte(okResponse))
	_, addr := startProxy(t, Config{MaxConns: 1})

	first := dialProxy(t, addr)
	_, err := io.WriteString(first, "GET http://"+upAddr+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	<-got

	second := dialProxy(t, addr)
	_, err = io.WriteString(second, "GET http://"+origin.Addr()+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = second.Read(make([]byte, 1))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "second connection was served early: %v", err)

	release()
	resp, _ := io.ReadAll(first)
	assert.Equal(t, okResponse, string(resp))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, _ = io.ReadAll(second)
	assert.Equal(t, okResponse, string(resp))
}

// flakyListener fails the first n Accept calls.
type flakyListener struct {
	net.Listener
	n atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.n.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestServeSurvivesAcceptErrors(t *testing.T) {
	origin := testutil.StartOrigin(t, []byte(okResponse))

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.n.Store(3)

	srv := NewServer(context.Background(), Config{Log: testr.New(t)})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	got := roundTrip(t, inner.Addr().String(), "GET http://"+origin.Addr()+"/ HTTP/1.0\r\n\r\n")
	assert.Equal(t, okResponse, string(got))

	require.NoError(t, srv.Close())
	require.ErrorIs(t, <-served, ErrServerClosed)
}

func TestServeAfterClose(t *testing.T) {
	srv := NewServer(context.Background(), Config{})
	require.NoError(t, srv.Close())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(ln), ErrServerClosed)

	_, err = ln.Accept()
	require.ErrorIs(t, err, net.ErrClosed, "Serve closes the listener it was given")
}

func TestServerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	cancel()
	select {
	case err := <-served:
		require.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}
	require.NoError(t, srv.Close())
}

func TestServeConn(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   error
		wantState State
	}{
		{name: "empty stream", raw: "", wantState: StateClosed},
		{name: "post", raw: "POST http://x.com/ HTTP/1.1\r\n\r\n", wantErr: ErrMethodNotAllowed, wantState: StateRejected},
		{name: "missing tokens", raw: "\r\n", wantErr: ErrMethodNotAllowed, wantState: StateRejected},
		{name: "no uri", raw: "GET\r\n\r\n", wantErr: request.ErrEmptyHost, wantState: StateRejected},
		{name: "empty host", raw: "GET http:///p HTTP/1.1\r\n\r\n", wantErr: request.ErrEmptyHost, wantState: StateRejected},
		{name: "port out of range", raw: "GET http://x.com:0/ HTTP/1.1\r\n\r\n", wantErr: request.ErrInvalidPort, wantState: StateRejected},
		{name: "truncated method", raw: "POST" + strings.Repeat(" ", 100) + "http://x.com/ HTTP/1.1\r\n\r\n", wantErr: ErrMethodNotAllowed, wantState: StateRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newCountingDialer()
			srv := NewServer(context.Background(), Config{Dialer: d, Log: testr.New(t), MaxLineBytes: 32})

			client, peer := net.Pipe()
			type result struct {
				state State
				err   error
			}
			done := make(chan result, 1)
			go func() {
				st, err := srv.serveConn(context.Background(), client)
				done <- result{st, err}
			}()

			if tt.raw != "" {
				_, err := io.WriteString(peer, tt.raw)
				require.NoError(t, err)
			}
			require.NoError(t, peer.Close())

			res := <-done
			if tt.wantErr == nil {
				require.NoError(t, res.err)
			} else {
				require.ErrorIs(t, res.err, tt.wantErr)
			}
			assert.Equal(t, tt.wantState, res.state)
			assert.True(t, res.state.Terminal(), res.state.String())
			assert.Zero(t, d.dials.Load())
		})
	}
}

func TestServeConnUpstreamFailure(t *testing.T) {
	srv := NewServer(context.Background(), Config{Log: testr.New(t)})

	client, peer := net.Pipe()
	done := make(chan State, 1)
	go func() {
		st, _ := srv.serveConn(context.Background(), client)
		done <- st
	}()

	_, err := io.WriteString(peer, "GET http://"+testutil.UnusedAddr(t)+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	got, _ := io.ReadAll(peer)
	assert.Empty(t, got)
	assert.Equal(t, StateFailed, <-done)
}
