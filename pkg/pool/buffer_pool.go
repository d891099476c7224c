// Package pool provides reusable buffers for encoding outbound frames.
package pool

import (
	"sync"
)

const (
	// SmallFrameSize fits a low quality frame (64KB).
	SmallFrameSize = 64 * 1024
	// MediumFrameSize fits a typical 720p JPEG frame (256KB).
	MediumFrameSize = 256 * 1024
	// LargeFrameSize fits high quality or large viewport frames (1MB).
	LargeFrameSize = 1024 * 1024
)

// FrameBufferPool provides byte slices bucketed by size class so that a
// stream of similarly sized frames reuses the same allocations.
type FrameBufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// NewFrameBufferPool creates a new frame buffer pool.
func NewFrameBufferPool() *FrameBufferPool {
	return &FrameBufferPool{
		small:  sync.Pool{New: newBuffer(SmallFrameSize)},
		medium: sync.Pool{New: newBuffer(MediumFrameSize)},
		large:  sync.Pool{New: newBuffer(LargeFrameSize)},
	}
}

func newBuffer(size int) func() any {
	return func() any {
		b := make([]byte, 0, size)
		return &b
	}
}

// Get retrieves a zero length slice with at least the requested capacity.
func (p *FrameBufferPool) Get(size int) []byte {
	if p == nil {
		return make([]byte, 0, size)
	}

	var bp *[]byte
	switch {
	case size <= SmallFrameSize:
		bp = p.small.Get().(*[]byte)
	case size <= MediumFrameSize:
		bp = p.medium.Get().(*[]byte)
	default:
		bp = p.large.Get().(*[]byte)
	}

	b := *bp
	if cap(b) < size {
		b = make([]byte, 0, size)
	}
	return b[:0]
}

// Put returns a buffer to the class matching its capacity. Buffers larger
// than twice LargeFrameSize are dropped to avoid pinning memory.
func (p *FrameBufferPool) Put(b []byte) {
	if p == nil || cap(b) == 0 {
		return
	}
	switch {
	case cap(b) <= SmallFrameSize:
		p.small.Put(&b)
	case cap(b) <= MediumFrameSize:
		p.medium.Put(&b)
	case cap(b) <= LargeFrameSize*2:
		p.large.Put(&b)
	}
}

// DefaultFrameBufferPool is shared by all streamers.
var DefaultFrameBufferPool = NewFrameBufferPool()
