// Package dialer provides the outbound connectors getproxy uses to reach
// origin servers.
//
// Dialers implement a small interface (DialContext) and either connect
// directly or tunnel through an upstream proxy (HTTP CONNECT or SOCKS5).
package dialer
