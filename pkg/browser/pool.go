package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool bounds the number of open handles for a driver and tracks them so
// they can be released together on shutdown.
type Pool struct {
	driver  Driver
	max     int
	handles map[string]*pooledHandle
	mu      sync.Mutex
	closed  bool
}

// NewPool creates a Pool backed by the provided driver. A max of zero or
// less means unbounded.
func NewPool(driver Driver, max int) *Pool {
	return &Pool{
		driver:  driver,
		max:     max,
		handles: make(map[string]*pooledHandle),
	}
}

// Open allocates a new handle, failing with ErrCapacity when the pool is full.
func (p *Pool) Open(ctx context.Context, opts OpenOptions) (Handle, error) {
	if p == nil || p.driver == nil {
		return nil, ErrUnavailable
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrUnavailable
	}
	if p.max > 0 && len(p.handles) >= p.max {
		p.mu.Unlock()
		metricOpenFailures.WithLabelValues("capacity").Inc()
		return nil, fmt.Errorf("%w: %d handles open", ErrCapacity, p.max)
	}
	// Reserve the slot before the slow open so concurrent callers see it.
	reservation := &pooledHandle{pool: p}
	key := fmt.Sprintf("pending-%p", reservation)
	p.handles[key] = reservation
	p.mu.Unlock()

	start := time.Now()
	handle, err := p.driver.Open(ctx, opts)

	p.mu.Lock()
	delete(p.handles, key)
	if err != nil {
		p.mu.Unlock()
		metricOpenFailures.WithLabelValues("driver").Inc()
		return nil, err
	}
	reservation.Handle = handle
	p.handles[handle.ID()] = reservation
	closed := p.closed
	p.mu.Unlock()
	metricHandlesOpen.Inc()

	if closed {
		_ = reservation.Close()
		return nil, ErrUnavailable
	}
	metricOpenLatency.Observe(time.Since(start).Seconds())
	return reservation, nil
}

// Len returns the number of open or opening handles.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close closes every tracked handle and then the driver.
func (p *Pool) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*pooledHandle, 0, len(p.handles))
	for _, h := range p.handles {
		if h.Handle != nil {
			handles = append(handles, h)
		}
	}
	p.mu.Unlock()

	var lastErr error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			lastErr = err
		}
	}
	if p.driver != nil {
		if err := p.driver.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.handles, id)
	p.mu.Unlock()
}

type pooledHandle struct {
	Handle
	pool *Pool
	once sync.Once
	err  error
}

func (h *pooledHandle) CaptureFrame(ctx context.Context, quality int) (Frame, error) {
	start := time.Now()
	frame, err := h.Handle.CaptureFrame(ctx, quality)
	metricCaptureLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metricCaptureFailures.Inc()
	}
	return frame, err
}

func (h *pooledHandle) Dispatch(ctx context.Context, action Action) error {
	err := h.Handle.Dispatch(ctx, action)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metricActions.WithLabelValues(string(action.Type), outcome).Inc()
	return err
}

func (h *pooledHandle) Close() error {
	h.once.Do(func() {
		h.err = h.Handle.Close()
		h.pool.release(h.Handle.ID())
		metricHandlesOpen.Dec()
	})
	return h.err
}
