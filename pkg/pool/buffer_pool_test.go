package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameBufferPoolGetCapacity(t *testing.T) {
	p := NewFrameBufferPool()
	for _, size := range []int{10, SmallFrameSize, SmallFrameSize + 1, MediumFrameSize + 1, 3 * LargeFrameSize} {
		b := p.Get(size)
		assert.Len(t, b, 0)
		assert.GreaterOrEqual(t, cap(b), size)
		p.Put(b)
	}
}

func TestFrameBufferPoolReuse(t *testing.T) {
	p := NewFrameBufferPool()
	b := p.Get(1000)
	b = append(b, "payload"...)
	p.Put(b)

	again := p.Get(1000)
	assert.Len(t, again, 0, "reused buffers must come back empty")
}

func TestFrameBufferPoolNil(t *testing.T) {
	var p *FrameBufferPool
	b := p.Get(128)
	assert.GreaterOrEqual(t, cap(b), 128)
	assert.NotPanics(t, func() { p.Put(b) })
}

func TestFrameBufferPoolDropsOversized(t *testing.T) {
	p := NewFrameBufferPool()
	assert.NotPanics(t, func() {
		p.Put(make([]byte, 0, LargeFrameSize*3))
		p.Put(nil)
	})
}
