// Package optimize pools scratch buffers on the frame encode path.
package optimize

import (
	"bytes"
	"sync"
)

// BufferPool hands out reset bytes.Buffers. Buffers that grew past maxCap
// are dropped instead of pinned in the pool.
type BufferPool struct {
	pool   sync.Pool
	maxCap int
}

func NewBufferPool(initialCap, maxCap int) *BufferPool {
	return &BufferPool{
		maxCap: maxCap,
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialCap))
			},
		},
	}
}

func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (p.maxCap > 0 && buf.Cap() > p.maxCap) {
		return
	}
	p.pool.Put(buf)
}

// Detach copies the buffer's contents out so buf can go back to the pool.
func Detach(buf *bytes.Buffer) []byte {
	return append([]byte(nil), buf.Bytes()...)
}
