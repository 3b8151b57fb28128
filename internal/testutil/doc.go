// Package testutil holds loopback servers shared by getproxy's tests.
package testutil
