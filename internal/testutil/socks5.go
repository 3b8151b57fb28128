package testutil

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/getproxy/internal/socks5"
)

// SOCKS5Accept runs the server side of SOCKS5 negotiation on conn, enforcing
// auth when auth.Username is set, and returns the client's request. The caller
// must answer it with SOCKS5Reply.
func SOCKS5Accept(conn net.Conn, auth socks5.Auth) (*txsocks5.Request, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5 negotiation request: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		// RFC 1928: 0xFF indicates no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return nil, errors.New("socks5: no acceptable method offered")
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("socks5 negotiation reply: %w", err)
	}

	if want == txsocks5.MethodUsernamePassword {
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return nil, fmt.Errorf("socks5 read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return nil, socks5.ErrAuthFailed
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return nil, fmt.Errorf("socks5 write userpass: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5 request: %w", err)
	}
	return req, nil
}

// SOCKS5Reply answers a request read by SOCKS5Accept. bound is reported as
// the bind address on success and may be nil for failures.
func SOCKS5Reply(conn net.Conn, rep byte, bound net.Addr) error {
	atyp := byte(txsocks5.ATYPIPv4)
	addr := []byte{0x00, 0x00, 0x00, 0x00}
	port := []byte{0x00, 0x00}

	if bound != nil {
		a, ba, bp, err := txsocks5.ParseAddress(bound.String())
		if err != nil {
			return fmt.Errorf("socks5 parse bound address %q: %w", bound.String(), err)
		}
		if a == txsocks5.ATYPDomain {
			ba = ba[1:]
		}
		atyp, addr, port = a, ba, bp
	}

	if _, err := txsocks5.NewReply(rep, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 reply: %w", err)
	}
	return nil
}
