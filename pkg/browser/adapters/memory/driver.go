// Package memory provides an in-process browser driver that renders
// synthetic frames and records dispatched actions.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// Config tunes the in-memory driver.
type Config struct {
	// MaxHandles caps concurrently open handles; zero means unbounded.
	MaxHandles int
	// CaptureDelay simulates time spent rendering a frame.
	CaptureDelay time.Duration
}

// Driver is a browser.Driver backed by in-memory pages.
type Driver struct {
	cfg     Config
	mu      sync.Mutex
	handles map[string]*Handle
	seq     atomic.Int64
	closed  bool

	// OnOpen, when set, can veto an Open call.
	OnOpen func(opts browser.OpenOptions) error
}

// NewDriver creates an in-memory driver.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg, handles: make(map[string]*Handle)}
}

// Open creates a new in-memory page.
func (d *Driver) Open(ctx context.Context, opts browser.OpenOptions) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OnOpen != nil {
		if err := d.OnOpen(opts); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, browser.ErrUnavailable
	}
	if d.cfg.MaxHandles > 0 && len(d.handles) >= d.cfg.MaxHandles {
		return nil, browser.ErrCapacity
	}
	h := &Handle{
		id:       fmt.Sprintf("mem-%d", d.seq.Add(1)),
		driver:   d,
		viewport: opts.Viewport,
		history:  []string{opts.URL},
		delay:    d.cfg.CaptureDelay,
	}
	d.handles[h.id] = h
	return h, nil
}

// Handles returns the currently open handles.
func (d *Driver) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Handle, 0, len(d.handles))
	for _, h := range d.handles {
		out = append(out, h)
	}
	return out
}

// Close closes all open handles.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	handles := make([]*Handle, 0, len(d.handles))
	for _, h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	delete(d.handles, id)
	d.mu.Unlock()
}

// Handle is an in-memory page.
type Handle struct {
	id     string
	driver *Driver
	delay  time.Duration

	mu       sync.Mutex
	viewport browser.Viewport
	history  []string
	cursor   int
	actions  []browser.Action
	pointer  browser.Point
	closed   bool
	captures int

	captureErr  func(n int) error
	dispatchErr func(action browser.Action) error
}

// FailCaptures installs a hook consulted before each capture; n counts
// captures from 1.
func (h *Handle) FailCaptures(fn func(n int) error) {
	h.mu.Lock()
	h.captureErr = fn
	h.mu.Unlock()
}

// FailDispatch installs a hook consulted before each dispatch.
func (h *Handle) FailDispatch(fn func(action browser.Action) error) {
	h.mu.Lock()
	h.dispatchErr = fn
	h.mu.Unlock()
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// CaptureFrame renders the current page as a JPEG.
func (h *Handle) CaptureFrame(ctx context.Context, quality int) (browser.Frame, error) {
	if h.delay > 0 {
		select {
		case <-ctx.Done():
			return browser.Frame{}, browser.WrapDriverError("capture", "render", ctx.Err())
		case <-time.After(h.delay):
		}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return browser.Frame{}, browser.ErrHandleClosed
	}
	h.captures++
	n := h.captures
	vp := h.viewport
	pointer := h.pointer
	hook := h.captureErr
	h.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return browser.Frame{}, browser.WrapDriverError("capture", "render", err)
		}
	}
	data, err := render(vp, pointer, n, quality)
	if err != nil {
		return browser.Frame{}, browser.WrapDriverError("capture", "encode", err)
	}
	return browser.Frame{
		Width:     vp.Width,
		Height:    vp.Height,
		Format:    browser.FrameFormatJPEG,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

// Dispatch records the action and applies navigation and pointer state.
func (h *Handle) Dispatch(ctx context.Context, action browser.Action) error {
	if err := ctx.Err(); err != nil {
		return browser.WrapDriverError("dispatch", string(action.Type), err)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return browser.ErrHandleClosed
	}
	hook := h.dispatchErr
	h.mu.Unlock()
	if hook != nil {
		if err := hook(action); err != nil {
			return browser.WrapDriverError("dispatch", string(action.Type), err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, action)
	if action.IsPointer() {
		h.pointer = action.Point
	}
	switch action.Type {
	case browser.ActionNavigate:
		h.history = append(h.history[:h.cursor+1], action.URL)
		h.cursor = len(h.history) - 1
	case browser.ActionBack:
		if h.cursor > 0 {
			h.cursor--
		}
	case browser.ActionForward:
		if h.cursor < len(h.history)-1 {
			h.cursor++
		}
	}
	return nil
}

// Resize changes the page viewport.
func (h *Handle) Resize(ctx context.Context, viewport browser.Viewport) error {
	if err := viewport.Validate(); err != nil {
		return browser.WrapDriverError("resize", "validate", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return browser.ErrHandleClosed
	}
	h.viewport = viewport
	return nil
}

// Close releases the page. It is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	if h.driver != nil {
		h.driver.forget(h.id)
	}
	return nil
}

// Actions returns a copy of the dispatched actions.
func (h *Handle) Actions() []browser.Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]browser.Action(nil), h.actions...)
}

// Viewport returns the current viewport.
func (h *Handle) Viewport() browser.Viewport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewport
}

// URL returns the current history entry.
func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history[h.cursor]
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Captures returns how many frames were requested.
func (h *Handle) Captures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.captures
}

func render(vp browser.Viewport, pointer browser.Point, n, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, vp.Width, vp.Height))
	bg := color.RGBA{R: uint8(n * 3), G: 0x40, B: 0x80, A: 0xff}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)
	px, py := int(pointer.X), int(pointer.Y)
	cursor := image.Rect(px-3, py-3, px+4, py+4).Intersect(img.Bounds())
	draw.Draw(img, cursor, image.White, image.Point{}, draw.Src)
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
