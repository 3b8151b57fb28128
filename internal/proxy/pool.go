package proxy

import (
	"bufio"
	"io"
	"sync"
)

const (
	clientBufferSize   = 4096
	upstreamBufferSize = 32768
)

var (
	clientReaders   = newReaderPool(clientBufferSize)
	upstreamReaders = newReaderPool(upstreamBufferSize)
)

type readerPool struct {
	pool sync.Pool
	size int
}

func newReaderPool(size int) *readerPool {
	return &readerPool{size: size}
}

func (p *readerPool) Get(r io.Reader) *bufio.Reader {
	if br, ok := p.pool.Get().(*bufio.Reader); ok {
		br.Reset(r)
		return br
	}
	return bufio.NewReaderSize(r, p.size)
}

func (p *readerPool) Put(br *bufio.Reader) {
	// Drop the reference to the socket so a pooled reader doesn't pin it.
	br.Reset(nil)
	p.pool.Put(br)
}
