package testutil

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Origin is a loopback HTTP/1.0 origin server. For every connection it reads
// the request head up to the blank line, records it, writes Response
// verbatim and closes the connection.
type Origin struct {
	ln       net.Listener
	response []byte

	mu    sync.Mutex
	heads []string
	wg    sync.WaitGroup
}

// StartOrigin starts an Origin answering every request with response. It is
// stopped when the test ends.
func StartOrigin(t *testing.T, response []byte) *Origin {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	o := &Origin{ln: ln, response: response}
	o.wg.Add(1)
	go o.serve()

	t.Cleanup(func() {
		_ = ln.Close()
		o.wg.Wait()
	})
	return o
}

func (o *Origin) Addr() string {
	return o.ln.Addr().String()
}

// Heads returns the request heads received so far, in arrival order.
func (o *Origin) Heads() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.heads...)
}

func (o *Origin) serve() {
	defer o.wg.Done()
	for {
		c, err := o.ln.Accept()
		if err != nil {
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer c.Close()
			o.handle(c)
		}()
	}
}

func (o *Origin) handle(c net.Conn) {
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	var head strings.Builder
	br := bufio.NewReader(c)
	for {
		line, err := br.ReadString('\n')
		head.WriteString(line)
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}

	o.mu.Lock()
	o.heads = append(o.heads, head.String())
	o.mu.Unlock()

	_, _ = c.Write(o.response)
}

// UnusedAddr returns a loopback address nothing is listening on.
func UnusedAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
