package connectproxy

import (
	"github.com/oxtoacart/bpool"
)

const defaultReadBufferSize = 16384

// Buffer is one unit of data read from a transport. Whoever consumes it last
// calls Release so the backing array goes back to its pool.
type Buffer struct {
	b    []byte
	pool *bpool.BytePool
}

func newBuffer(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Bytes returns the buffered data.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Release hands the backing array back to the pool. The buffer must not be
// used afterwards.
func (b *Buffer) Release() {
	if b == nil || b.b == nil {
		return
	}
	if b.pool != nil {
		b.pool.Put(b.b[:cap(b.b)])
	}
	b.b = nil
}

func releaseMessage(msg any) {
	if b, ok := msg.(*Buffer); ok {
		b.Release()
	}
}
