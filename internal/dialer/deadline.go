package dialer

import (
	"context"
	"net"
	"time"
)

// bound limits a proxy handshake on c to timeout (if set) and aborts it when
// ctx is canceled. The returned finish func clears the deadline and reports
// ctx's error if ctx ended the handshake.
func bound(ctx context.Context, c net.Conn, timeout time.Duration) (finish func() error) {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	return func() error {
		if !stop() {
			return ctx.Err()
		}
		return c.SetDeadline(time.Time{})
	}
}
