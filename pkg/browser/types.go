package browser

import (
	"fmt"
	"time"
)

// Viewport defines the browser viewport size.
type Viewport struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty"`
}

// Validate reports whether both dimensions are positive.
func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("viewport %dx%d: dimensions must be positive", v.Width, v.Height)
	}
	return nil
}

// String renders the viewport as WxH.
func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// FrameFormat identifies the image format for a frame payload.
type FrameFormat string

const (
	FrameFormatPNG  FrameFormat = "png"
	FrameFormatJPEG FrameFormat = "jpeg"
)

// Frame is a single still image captured from the browser.
type Frame struct {
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	Format    FrameFormat `json:"format"`
	Data      []byte      `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Point describes a coordinate in viewport space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MouseButton identifies a pointer button.
type MouseButton string

const (
	MouseButtonLeft   MouseButton = "left"
	MouseButtonRight  MouseButton = "right"
	MouseButtonMiddle MouseButton = "middle"
)

// ActionType represents the primitive actions a driver can perform.
type ActionType string

const (
	ActionMouseMove   ActionType = "mouse_move"
	ActionMouseDown   ActionType = "mouse_down"
	ActionMouseUp     ActionType = "mouse_up"
	ActionClick       ActionType = "click"
	ActionDoubleClick ActionType = "double_click"
	ActionScroll      ActionType = "scroll"
	ActionKeyDown     ActionType = "key_down"
	ActionKeyUp       ActionType = "key_up"
	ActionInsertText  ActionType = "insert_text"
	ActionNavigate    ActionType = "navigate"
	ActionBack        ActionType = "back"
	ActionForward     ActionType = "forward"
	ActionReload      ActionType = "reload"
)

// ScrollDelta captures a wheel scroll in pixels.
type ScrollDelta struct {
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
}

// Action is a single primitive dispatched to a browser handle.
// Pointer positions are already in viewport coordinates.
type Action struct {
	Type   ActionType  `json:"type"`
	Point  Point       `json:"point"`
	Button MouseButton `json:"button,omitempty"`
	Scroll ScrollDelta `json:"scroll"`
	Key    string      `json:"key,omitempty"`
	Code   string      `json:"code,omitempty"`
	Text   string      `json:"text,omitempty"`
	URL    string      `json:"url,omitempty"`
}

// IsPointer reports whether the action carries a pointer position.
func (a Action) IsPointer() bool {
	switch a.Type {
	case ActionMouseMove, ActionMouseDown, ActionMouseUp, ActionClick, ActionDoubleClick, ActionScroll:
		return true
	}
	return false
}

// OpenOptions configures a new browser handle.
type OpenOptions struct {
	URL       string   `json:"url,omitempty"`
	Viewport  Viewport `json:"viewport"`
	UserAgent string   `json:"user_agent,omitempty"`
	Locale    string   `json:"locale,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

// DefaultOpenOptions returns the recommended handle defaults.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		URL: "about:blank",
		Viewport: Viewport{
			Width:             1280,
			Height:            720,
			DeviceScaleFactor: 1.0,
		},
	}
}

// WithDefaults fills zero fields from DefaultOpenOptions. Explicit
// viewport dimensions are kept as-is so callers can validate them.
func (o OpenOptions) WithDefaults() OpenOptions {
	merged := DefaultOpenOptions()
	if o.URL != "" {
		merged.URL = o.URL
	}
	merged.Viewport.Width = o.Viewport.Width
	merged.Viewport.Height = o.Viewport.Height
	if o.Viewport.DeviceScaleFactor != 0 {
		merged.Viewport.DeviceScaleFactor = o.Viewport.DeviceScaleFactor
	}
	merged.UserAgent = o.UserAgent
	merged.Locale = o.Locale
	merged.Timezone = o.Timezone
	return merged
}
