// Package bytebuf provides the owned byte buffers that message payloads
// travel in. A buffer copies its data in at construction and must be
// released exactly once; backing arrays are recycled through a pool.
package bytebuf

import "github.com/ozontech/wireline/utils/pool"

var backing = pool.NewBytes()

type Buffer struct {
	b        []byte
	released bool
}

// New copies data into an owned buffer.
func New(data []byte) *Buffer {
	b := backing.Acquire(len(data))
	b = append(b, data...)
	return &Buffer{b: b}
}

// NewOwned wraps b without copying. Ownership passes to the buffer; b must
// not be reused by the caller.
func NewOwned(b []byte) *Buffer {
	return &Buffer{b: b}
}

func (b *Buffer) Bytes() []byte {
	if b.released {
		panic("assertion error: bytebuf used after release")
	}
	return b.b
}

func (b *Buffer) Len() int { return len(b.Bytes()) }

// Release returns the backing array to the pool. Releasing twice is a bug.
func (b *Buffer) Release() {
	if b.released {
		panic("assertion error: bytebuf double release")
	}
	b.released = true
	backing.Release(b.b)
	b.b = nil
}
