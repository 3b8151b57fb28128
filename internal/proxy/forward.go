package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/die-net/getproxy/internal/request"
)

// Appended to every forwarded request in place of the client's own values.
const (
	userAgentHeader       = "User-Agent: Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3\r\n"
	connectionHeader      = "Connection: close\r\n"
	proxyConnectionHeader = "Proxy-Connection: close\r\n"
)

var suppressedHeaders = []string{"Connection", "Proxy-Connection", "User-Agent"}

// suppressed reports whether a raw header line is replaced by the proxy.
func suppressed(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return false
	}
	name := string(line[:i])
	for _, h := range suppressedHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// forwardRequest writes an HTTP/1.0 GET for path to up, followed by the
// client's header lines read from br minus the suppressed ones, and the fixed
// replacement headers. It stops reading at the first blank line or at EOF and
// never reads a request body. Header lines have no length limit.
func forwardRequest(up io.Writer, br *bufio.Reader, path string) error {
	bw := bufio.NewWriter(up)

	if _, err := fmt.Fprintf(bw, "GET %s HTTP/1.0\r\n", path); err != nil {
		return fmt.Errorf("write request line: %w", err)
	}

	for {
		done, err := forwardHeader(bw, br)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	if _, err := bw.WriteString(userAgentHeader + connectionHeader + proxyConnectionHeader + "\r\n"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// forwardHeader copies one header line from br to w unless its name is
// suppressed. A line longer than br's buffer is copied in pieces and the name
// is taken from the first piece. done is true at the blank line ending the
// head or at EOF.
func forwardHeader(w *bufio.Writer, br *bufio.Reader) (done bool, err error) {
	first, skip := true, false
	for {
		frag, rerr := br.ReadSlice('\n')
		if first {
			if rerr == nil && request.IsBlank(frag) {
				return true, nil
			}
			if len(frag) == 0 && errors.Is(rerr, io.EOF) {
				return true, nil
			}
			first, skip = false, suppressed(frag)
		}

		if !skip && len(frag) > 0 {
			if _, err := w.Write(frag); err != nil {
				return false, fmt.Errorf("write header: %w", err)
			}
		}

		switch {
		case rerr == nil:
			return false, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
		case errors.Is(rerr, io.EOF):
			// Unterminated last line.
			if !skip {
				if _, err := w.WriteString("\r\n"); err != nil {
					return false, fmt.Errorf("write header: %w", err)
				}
			}
			return true, nil
		default:
			return false, fmt.Errorf("read header: %w", rerr)
		}
	}
}
