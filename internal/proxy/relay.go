package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// relay copies src to dst a line at a time, unmodified, until src reaches
// EOF. Lines longer than src's buffer are passed through in pieces. It
// returns the number of bytes written to dst.
func relay(dst io.Writer, src *bufio.Reader) (int64, error) {
	var written int64
	for {
		chunk, rerr := src.ReadSlice('\n')
		if len(chunk) > 0 {
			n, werr := dst.Write(chunk)
			written += int64(n)
			if werr != nil {
				return written, fmt.Errorf("write client: %w", werr)
			}
		}

		switch {
		case rerr == nil, errors.Is(rerr, bufio.ErrBufferFull):
		case errors.Is(rerr, io.EOF):
			return written, nil
		default:
			return written, fmt.Errorf("read upstream: %w", rerr)
		}
	}
}
