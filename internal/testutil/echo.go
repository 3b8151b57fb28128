package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// StartEchoTCPServer listens on loopback and echoes everything the first
// accepted connection sends until that peer closes. The listener is closed
// when the test ends.
func StartEchoTCPServer(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	ln, wait := StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
	t.Cleanup(wait)

	return ln
}

// AssertEcho writes msg to w and requires the same bytes to come back on r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	_, err := w.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	require.Equal(t, string(msg), string(got))
}
