package proxy

import (
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/die-net/getproxy/internal/dialer"
)

// Sizes reserved for a response cache. Nothing uses them yet.
const (
	MaxCacheSize  = 1049000
	MaxObjectSize = 102400
)

type Config struct {
	// Dialer opens the upstream connection for each transaction.
	Dialer dialer.Dialer

	Log logr.Logger

	// MaxConns bounds concurrently served connections; 0 is unbounded.
	MaxConns int64

	// MaxLineBytes bounds the request line; longer lines are truncated.
	// Header lines are not bounded.
	MaxLineBytes int

	// IdleTimeout, if set, bounds every single read or write on both sockets.
	IdleTimeout time.Duration

	// ErrorResponses sends a short HTTP error instead of silently closing
	// rejected or failed transactions.
	ErrorResponses bool

	KeepAlive net.KeepAliveConfig
}
