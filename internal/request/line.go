package request

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLineBytes bounds the request line when no other limit is
// configured.
const DefaultMaxLineBytes = 8192

// Line is a decoded HTTP request line.
type Line struct {
	Method  string
	URI     string
	Version string
}

// ParseLine splits s on whitespace into method, URI and version. Missing
// tokens are left empty and extra tokens are ignored; it never fails.
func ParseLine(s string) Line {
	var l Line
	fields := strings.Fields(s)
	for i, f := range fields {
		switch i {
		case 0:
			l.Method = f
		case 1:
			l.URI = f
		case 2:
			l.Version = f
		}
	}
	return l
}

// IsGet reports whether the method is GET, compared case-insensitively.
func (l Line) IsGet() bool {
	return strings.EqualFold(l.Method, "GET")
}

func (l Line) String() string {
	return strings.TrimSpace(l.Method + " " + l.URI + " " + l.Version)
}

// ReadLine reads one LF-terminated line from br, terminator included.
//
// At most limit bytes are returned; if the line is longer, the returned slice
// holds the first limit bytes, truncated is true, and the rest of the line is
// consumed and discarded. A final line without a terminator is returned with a
// nil error; io.EOF is only returned when no bytes were read at all.
//
// The returned slice is a copy and stays valid across further reads.
func ReadLine(br *bufio.Reader, limit int) (line []byte, truncated bool, err error) {
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}

	var n int
	for {
		frag, rerr := br.ReadSlice('\n')
		n += len(frag)

		if room := limit - len(line); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			line = append(line, frag...)
		}

		switch {
		case rerr == nil:
			return line, n > limit, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF) && n > 0:
			return line, n > limit, nil
		default:
			return line, n > limit, rerr
		}
	}
}

// IsBlank reports whether line is an empty line ending a header block.
func IsBlank(line []byte) bool {
	s := string(line)
	return s == "\r\n" || s == "\n"
}
