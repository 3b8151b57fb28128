package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/getproxy/internal/dialer"
	"github.com/die-net/getproxy/internal/logging"
	"github.com/die-net/getproxy/internal/proxy"
	"github.com/die-net/getproxy/internal/request"
)

// errUsage means usage has already been printed.
var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("getproxy", pflag.ContinueOnError)
	var (
		listenHost = fs.String("listen-host", "", "Address to bind the proxy port on. Empty listens on all interfaces.")
		upstream   = fs.String("upstream", "direct://", "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		debugListen        = fs.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		maxConns           = fs.Int64("max-conns", 1024, "Maximum concurrently served client connections; 0 is unbounded")
		dialTimeout        = fs.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = fs.Duration("negotiation-timeout", 10*time.Second, "Timeout for the handshake with an upstream proxy")
		idleTimeout        = fs.Duration("idle-timeout", 0, "Timeout for any single read or write on a connection; 0 disables")
		shutdownTimeout    = fs.Duration("shutdown-timeout", 5*time.Second, "How long to wait for in-flight connections on SIGINT/SIGTERM")
		maxLineBytes       = fs.Int("max-line-bytes", request.DefaultMaxLineBytes, "Maximum length of the request line; longer lines are truncated")
		tcpKeepAlive       = fs.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		reusePort          = fs.Bool("reuse-port", false, "Set SO_REUSEPORT on the listening socket")
		errorResponses     = fs.Bool("error-responses", false, "Send a short HTTP error to the client instead of silently closing")
		logFormat          = fs.String("log-format", logging.FormatAuto, "Log format: auto|console|json")
		verbose            = fs.Bool("verbose", false, "Enable per-connection error logging")
	)

	if !proxy.ReusePortSupported {
		_ = fs.MarkHidden("reuse-port")
	}

	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: getproxy [flags] <port>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return errUsage
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}
	port, err := parsePort(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", fs.Arg(0), err)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	if *maxLineBytes <= 0 {
		return errors.New("invalid --max-line-bytes: must be > 0")
	}

	log, flush, err := logging.New(logging.Options{Format: *logFormat, Verbose: *verbose, Out: os.Stderr})
	if err != nil {
		return fmt.Errorf("invalid --log-format: %w", err)
	}
	defer func() { _ = flush() }()

	cfg := proxy.Config{
		Log:            log,
		MaxConns:       *maxConns,
		MaxLineBytes:   *maxLineBytes,
		IdleTimeout:    *idleTimeout,
		ErrorResponses: *errorResponses,
		KeepAlive:      ka,
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}

	cfg.Dialer, err = dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		if err := serveDebug(ctx, g, log, *debugListen, ka); err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(*listenHost, strconv.Itoa(port))
	ln, err := proxy.ListenTCP("tcp", addr, ka, *reusePort)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	// The server outlives ctx so Shutdown below can drain it.
	srv := proxy.NewServer(context.Background(), cfg)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		log.Info("shutting down", "timeout", *shutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Info("shutdown timed out, aborting connections", "active", srv.Stats().Active)
		}
		return srv.Close()
	})

	log.Info("http proxy listening", "addr", ln.Addr().String(), "upstream", *upstream)

	err = g.Wait()

	st := srv.Stats()
	log.Info("stopped", "accepted", st.Accepted)
	return err
}

func serveDebug(ctx context.Context, g *errgroup.Group, log logr.Logger, addr string, ka net.KeepAliveConfig) error {
	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	lc := net.ListenConfig{KeepAliveConfig: ka}
	debugLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	log.Info("debug listening", "addr", debugLn.Addr().String())
	return nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, errors.New("must be between 1 and 65535")
	}
	return n, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
