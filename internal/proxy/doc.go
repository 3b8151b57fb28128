// Package proxy implements getproxy's forwarding HTTP proxy.
//
// A Server accepts client connections and runs one worker per connection.
// The worker reads a single GET request line, resolves the origin server from
// the absolute-form URI, rewrites the request to HTTP/1.0 with
// "Connection: close", and relays the origin's response back verbatim until
// the origin closes. There is no keep-alive, no CONNECT, and no caching.
package proxy
