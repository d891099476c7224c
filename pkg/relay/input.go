package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odvcencio/browserrelay/pkg/browser"
	"github.com/odvcencio/browserrelay/pkg/logging"
)

// inputRelay applies decoded client messages to the browser handle in
// arrival order. It is owned by the connection's receive loop, so the
// display size below is per-connection state.
type inputRelay struct {
	sess        *Session
	handle      browser.Handle
	att         *attachment
	log         *logging.Logger
	maxViewport browser.Viewport
	threshold   int
	onFatal     func(error)
	onFailure   func(kind MessageKind, err error)

	display  DisplaySize
	failures int
	held     map[string]bool
}

// process handles one raw inbound payload. It returns false once the
// session has been failed and no further input should be read.
func (r *inputRelay) process(ctx context.Context, payload []byte) bool {
	r.sess.touch()
	msg := DecodeClientMessage(payload)
	switch m := msg.(type) {
	case MalformedMessage:
		r.log.MessageDropped(m.Reason, m.Size)
		return true
	case UnknownMessage:
		r.log.Debug("unknown message ignored", slog.String("type", m.Type))
		return true
	}

	err := r.apply(ctx, msg)
	if err == nil {
		r.failures = 0
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	r.failures++
	r.log.Warn("input dispatch failed",
		slog.String("type", string(msg.Kind())),
		slog.Int("consecutive", r.failures),
		slog.String("error", err.Error()),
	)
	if r.onFailure != nil {
		r.onFailure(msg.Kind(), err)
	}
	if r.failures >= r.threshold {
		r.onFatal(fmt.Errorf("input failed %d times in a row: %w", r.failures, err))
		return false
	}
	r.att.sendError(fmt.Sprintf("%s failed", msg.Kind()))
	return true
}

func (r *inputRelay) apply(ctx context.Context, msg ClientMessage) error {
	switch m := msg.(type) {
	case ResizeMessage:
		return r.resize(ctx, m)
	case PointerMessage:
		return r.dispatch(ctx, browser.Action{
			Type:   pointerAction(m.Type),
			Point:  r.mapPoint(m.X, m.Y),
			Button: m.Button,
		})
	case ScrollMessage:
		return r.dispatch(ctx, browser.Action{
			Type:   browser.ActionScroll,
			Point:  r.mapPoint(m.X, m.Y),
			Scroll: browser.ScrollDelta{X: m.DeltaX, Y: m.DeltaY},
		})
	case KeyMessage:
		return r.key(ctx, m)
	case InputMessage:
		if m.Text == "" {
			return nil
		}
		return r.dispatch(ctx, browser.Action{Type: browser.ActionInsertText, Text: m.Text})
	case TouchMessage:
		action := browser.Action{Type: browser.ActionMouseMove, Point: r.mapPoint(m.X, m.Y)}
		if m.Action == TouchTap {
			action.Type = browser.ActionClick
			action.Button = browser.MouseButtonLeft
		}
		return r.dispatch(ctx, action)
	case NavigateMessage:
		return r.dispatch(ctx, browser.Action{Type: browser.ActionNavigate, URL: m.URL})
	case HistoryMessage:
		return r.dispatch(ctx, browser.Action{Type: historyAction(m.Type)})
	}
	return nil
}

// resize applies the new size to the browser before recording it, so
// pointer events that follow are mapped against the applied viewport.
func (r *inputRelay) resize(ctx context.Context, m ResizeMessage) error {
	vp := browser.Viewport{Width: m.Width, Height: m.Height, DeviceScaleFactor: 1}
	if r.maxViewport.Width > 0 {
		vp.Width = min(vp.Width, r.maxViewport.Width)
	}
	if r.maxViewport.Height > 0 {
		vp.Height = min(vp.Height, r.maxViewport.Height)
	}
	if err := r.handle.Resize(ctx, vp); err != nil {
		return err
	}
	r.sess.setViewport(vp)
	r.display = DisplaySize{Width: float64(m.Width), Height: float64(m.Height)}
	return nil
}

// key splits printable characters from named keys. keydown and keyup of a
// printable character are skipped and the keypress that follows inserts
// it, unless Control, Alt or Meta is held: then the character is pressed
// as a key so shortcuts reach the page, and the keypress is dropped.
func (r *inputRelay) key(ctx context.Context, m KeyMessage) error {
	key := normalizeKey(m.Key)
	shortcut := r.shortcutHeld()
	switch m.Type {
	case KindKeyPress:
		if !printable(key) || shortcut {
			return nil
		}
		return r.dispatch(ctx, browser.Action{Type: browser.ActionInsertText, Text: key})
	case KindKeyDown, KindKeyUp:
		if shortcutModifier(key) {
			r.hold(key, m.Type == KindKeyDown)
		}
		if printable(key) && !shortcut {
			return nil
		}
		typ := browser.ActionKeyDown
		if m.Type == KindKeyUp {
			typ = browser.ActionKeyUp
		}
		return r.dispatch(ctx, browser.Action{Type: typ, Key: key, Code: m.Code})
	}
	return nil
}

func (r *inputRelay) hold(key string, down bool) {
	if !down {
		delete(r.held, key)
		return
	}
	if r.held == nil {
		r.held = make(map[string]bool)
	}
	r.held[key] = true
}

func (r *inputRelay) shortcutHeld() bool {
	return len(r.held) > 0
}

func (r *inputRelay) dispatch(ctx context.Context, action browser.Action) error {
	return r.handle.Dispatch(ctx, action)
}

func (r *inputRelay) mapPoint(x, y float64) browser.Point {
	return MapPoint(x, y, r.display, r.sess.Viewport())
}

func pointerAction(kind MessageKind) browser.ActionType {
	switch kind {
	case KindMouseDown:
		return browser.ActionMouseDown
	case KindMouseUp:
		return browser.ActionMouseUp
	case KindClick:
		return browser.ActionClick
	case KindDblClick:
		return browser.ActionDoubleClick
	default:
		return browser.ActionMouseMove
	}
}

func historyAction(kind MessageKind) browser.ActionType {
	switch kind {
	case KindBack:
		return browser.ActionBack
	case KindForward:
		return browser.ActionForward
	default:
		return browser.ActionReload
	}
}
