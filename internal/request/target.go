package request

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when the URI names no port.
const DefaultPort = 80

var (
	ErrEmptyHost   = errors.New("empty host")
	ErrInvalidPort = errors.New("invalid port")
)

// Target is the origin server a request is forwarded to.
type Target struct {
	Host string
	Port int
	// Path always starts with "/".
	Path string
}

// Addr returns the host:port form suitable for dialing.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseTarget resolves an absolute-form URI ("http://host[:port][/path]")
// into a Target. A URI without "//" is treated as starting with the host.
//
// The port defaults to 80 and the path to "/". No percent-decoding or host
// validation is done, and IPv6 literals are not supported.
func ParseTarget(uri string) (Target, error) {
	t := Target{Port: DefaultPort, Path: "/"}

	rest := uri
	if i := strings.Index(uri, "//"); i >= 0 {
		rest = uri[i+2:]
	}

	end := strings.IndexAny(rest, ":/")
	if end < 0 {
		t.Host = rest
	} else {
		t.Host = rest[:end]
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("%w in %q", ErrEmptyHost, uri)
	}
	if end < 0 {
		return t, nil
	}

	if rest[end] == '/' {
		t.Path = rest[end:]
		return t, nil
	}

	// rest[end] == ':'
	after := rest[end+1:]
	digits := 0
	for digits < len(after) && after[digits] >= '0' && after[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		port, err := strconv.Atoi(after[:digits])
		if err != nil || port < 1 || port > 65535 {
			return Target{}, fmt.Errorf("%w %q in %q", ErrInvalidPort, after[:digits], uri)
		}
		t.Port = port
	}
	if i := strings.IndexByte(after[digits:], '/'); i >= 0 {
		t.Path = after[digits+i:]
	}

	return t, nil
}
