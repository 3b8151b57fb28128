// Package request decodes the client side of a forward proxy transaction.
//
// It reads length-bounded lines from a client stream, splits the request line
// into method, URI and version, and resolves an absolute-form URI such as
// "http://host:port/path" into the origin server to contact.
package request
