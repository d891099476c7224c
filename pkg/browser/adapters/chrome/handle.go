package chrome

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// Handle is one Chrome page inside its own incognito context.
type Handle struct {
	id        string
	page      *rod.Page
	incognito *rod.Browser
	cfg       Config

	keys keyState

	mu       sync.Mutex
	viewport browser.Viewport
	closed   bool
}

// ID returns the DevTools target id.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

func (h *Handle) prepare(ctx context.Context, opts browser.OpenOptions) error {
	page := h.page.Context(ctx)
	if err := h.applyViewport(page, opts.Viewport); err != nil {
		return browser.WrapDriverError("open", "set viewport", err)
	}
	if ua := firstNonEmpty(opts.UserAgent, h.cfg.UserAgent); ua != "" {
		locale := firstNonEmpty(opts.Locale, h.cfg.Locale)
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: ua, AcceptLanguage: locale}).Call(page); err != nil {
			return browser.WrapDriverError("open", "set user agent", err)
		}
	}
	if locale := firstNonEmpty(opts.Locale, h.cfg.Locale); locale != "" {
		_ = proto.EmulationSetLocaleOverride{Locale: locale}.Call(page)
	}
	if tz := firstNonEmpty(opts.Timezone, h.cfg.Timezone); tz != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: tz}).Call(page); err != nil {
			return browser.WrapDriverError("open", "set timezone", err)
		}
	}
	if h.cfg.IgnoreCertErrors {
		_ = proto.SecuritySetIgnoreCertificateErrors{Ignore: true}.Call(page)
	}
	if opts.URL != "" && opts.URL != "about:blank" {
		if err := page.Timeout(h.cfg.NavigationTimeout).Navigate(opts.URL); err != nil {
			return browser.WrapDriverError("open", "navigate", err)
		}
	}
	return nil
}

// CaptureFrame takes a JPEG screenshot of the visible viewport.
func (h *Handle) CaptureFrame(ctx context.Context, quality int) (browser.Frame, error) {
	if err := h.ensureOpen(); err != nil {
		return browser.Frame{}, err
	}
	q := quality
	res, err := proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	}.Call(h.page.Context(ctx).Timeout(h.cfg.CaptureTimeout))
	if err != nil {
		return browser.Frame{}, browser.WrapDriverError("capture", "screenshot", err)
	}
	vp := h.currentViewport()
	return browser.Frame{
		Width:     vp.Width,
		Height:    vp.Height,
		Format:    browser.FrameFormatJPEG,
		Data:      res.Data,
		Timestamp: time.Now(),
	}, nil
}

// Dispatch performs a single primitive action on the page.
func (h *Handle) Dispatch(ctx context.Context, action browser.Action) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	page := h.page.Context(ctx).Timeout(h.cfg.OperationTimeout)
	var err error
	switch action.Type {
	case browser.ActionMouseMove:
		err = mouseEvent(page, proto.InputDispatchMouseEventTypeMouseMoved, action, proto.InputMouseButtonNone, 0)
	case browser.ActionMouseDown:
		err = h.pressAt(page, action, proto.InputDispatchMouseEventTypeMousePressed, 1)
	case browser.ActionMouseUp:
		err = h.pressAt(page, action, proto.InputDispatchMouseEventTypeMouseReleased, 1)
	case browser.ActionClick:
		err = h.clickAt(page, action, 1)
	case browser.ActionDoubleClick:
		if err = h.clickAt(page, action, 1); err == nil {
			err = h.clickAt(page, action, 2)
		}
	case browser.ActionScroll:
		if err = mouseEvent(page, proto.InputDispatchMouseEventTypeMouseMoved, action, proto.InputMouseButtonNone, 0); err == nil {
			err = proto.InputDispatchMouseEvent{
				Type:   proto.InputDispatchMouseEventTypeMouseWheel,
				X:      action.Point.X,
				Y:      action.Point.Y,
				DeltaX: action.Scroll.X,
				DeltaY: action.Scroll.Y,
			}.Call(page)
		}
	case browser.ActionKeyDown:
		err = h.keys.press(page, action.Key, action.Code)
	case browser.ActionKeyUp:
		err = h.keys.release(page, action.Key, action.Code)
	case browser.ActionInsertText:
		err = proto.InputInsertText{Text: action.Text}.Call(page)
	case browser.ActionNavigate:
		err = page.Timeout(h.cfg.NavigationTimeout).Navigate(action.URL)
	case browser.ActionBack:
		err = page.NavigateBack()
	case browser.ActionForward:
		err = page.NavigateForward()
	case browser.ActionReload:
		err = page.Reload()
	default:
		return browser.WrapDriverError("dispatch", string(action.Type), browser.ErrUnsupported)
	}
	if err != nil {
		return browser.WrapDriverError("dispatch", string(action.Type), err)
	}
	return nil
}

// Resize overrides the device metrics of the page.
func (h *Handle) Resize(ctx context.Context, viewport browser.Viewport) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	if err := viewport.Validate(); err != nil {
		return browser.WrapDriverError("resize", "validate", err)
	}
	page := h.page.Context(ctx).Timeout(h.cfg.OperationTimeout)
	if err := h.applyViewport(page, viewport); err != nil {
		return browser.WrapDriverError("resize", "set viewport", err)
	}
	return nil
}

// Close closes the page and disposes its incognito context.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var lastErr error
	if h.page != nil {
		if err := h.page.Close(); err != nil {
			lastErr = err
		}
	}
	if h.incognito != nil {
		if err := h.incognito.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (h *Handle) applyViewport(page *rod.Page, viewport browser.Viewport) error {
	scale := viewport.DeviceScaleFactor
	if scale == 0 {
		scale = 1
	}
	err := proto.EmulationSetDeviceMetricsOverride{
		Width:             viewport.Width,
		Height:            viewport.Height,
		DeviceScaleFactor: scale,
		Mobile:            false,
	}.Call(page)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.viewport = viewport
	h.mu.Unlock()
	return nil
}

func (h *Handle) currentViewport() browser.Viewport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewport
}

func (h *Handle) ensureOpen() error {
	if h == nil || h.page == nil {
		return browser.ErrHandleClosed
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return browser.ErrHandleClosed
	}
	return nil
}

// pressAt moves the pointer before pressing or releasing, so the event
// lands on the element under the cursor.
func (h *Handle) pressAt(page *rod.Page, action browser.Action, typ proto.InputDispatchMouseEventType, clicks int) error {
	if err := mouseEvent(page, proto.InputDispatchMouseEventTypeMouseMoved, action, proto.InputMouseButtonNone, 0); err != nil {
		return err
	}
	return mouseEvent(page, typ, action, mouseButton(action.Button), clicks)
}

func (h *Handle) clickAt(page *rod.Page, action browser.Action, clicks int) error {
	if err := h.pressAt(page, action, proto.InputDispatchMouseEventTypeMousePressed, clicks); err != nil {
		return err
	}
	return mouseEvent(page, proto.InputDispatchMouseEventTypeMouseReleased, action, mouseButton(action.Button), clicks)
}

func mouseEvent(page *rod.Page, typ proto.InputDispatchMouseEventType, action browser.Action, button proto.InputMouseButton, clicks int) error {
	return proto.InputDispatchMouseEvent{
		Type:       typ,
		X:          action.Point.X,
		Y:          action.Point.Y,
		Button:     button,
		ClickCount: clicks,
	}.Call(page)
}

func mouseButton(b browser.MouseButton) proto.InputMouseButton {
	switch b {
	case browser.MouseButtonRight:
		return proto.InputMouseButtonRight
	case browser.MouseButtonMiddle:
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
