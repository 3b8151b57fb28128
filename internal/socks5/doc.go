// Package socks5 provides the SOCKS5 handshake getproxy uses to reach origin
// servers through an upstream SOCKS5 proxy.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5. The
// client side performs method negotiation, optional username/password
// authentication and a CONNECT request.
//
// This package is not intended to be a full SOCKS5 server/client
// implementation.
package socks5
