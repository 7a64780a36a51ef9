package protocol

import "sync"

// Size classes for pooled payload buffers. A request for n bytes is served
// from the smallest class >= n; oversize requests fall through to a plain
// allocation that is never pooled.
var sizeClasses = []int{64, 256, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}

// BufferPool is a set of sync.Pools keyed by size class.
// Снижает нагрузку на GC за счёт переиспользования payload-буферов в hot path.
type BufferPool struct {
	pools []sync.Pool
}

// NewBufferPool creates a buffer pool covering all size classes.
func NewBufferPool() *BufferPool {
	p := &BufferPool{pools: make([]sync.Pool, len(sizeClasses))}
	for i, size := range sizeClasses {
		p.pools[i].New = func() any {
			return make([]byte, 0, size)
		}
	}
	return p
}

func classFor(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns a slice of length size, preferably from the pool.
func (p *BufferPool) Get(size int) []byte {
	ci := classFor(size)
	if ci < 0 {
		return make([]byte, size)
	}
	b := p.pools[ci].Get().([]byte)
	if cap(b) < size {
		// Foreign slice ended up in the wrong class; drop it.
		return make([]byte, size, sizeClasses[ci])
	}
	return b[:size]
}

// Put returns the slice to its size-class pool for reuse.
// Slices larger than the largest class are dropped.
func (p *BufferPool) Put(b []byte) {
	if b == nil {
		return
	}
	ci := classFor(cap(b))
	if ci < 0 {
		return
	}
	// A buffer is returned to the class it can fully serve.
	if cap(b) < sizeClasses[ci] && ci > 0 {
		ci--
	}
	p.pools[ci].Put(b[:0])
}
