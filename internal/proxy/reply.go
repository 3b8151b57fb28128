package proxy

import (
	"fmt"
	"io"
	"net/http"
)

// writeError writes a minimal HTTP/1.0 error response carrying err's text.
func writeError(w io.Writer, code int, err error) error {
	_, werr := fmt.Fprintf(w, "HTTP/1.0 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
	return werr
}
