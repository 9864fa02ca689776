// Package buffer pools the fixed-size chunk buffers used by the relay
// loop, so high-concurrency streaming does not churn the allocator.
package buffer

import "sync"

// Pool hands out byte slices of a single fixed size.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool of size-byte buffers.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of the pool's chunk size.
func (p *Pool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of the wrong size are
// dropped rather than poisoning the pool.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Size reports the pool's chunk size.
func (p *Pool) Size() int {
	return p.size
}
