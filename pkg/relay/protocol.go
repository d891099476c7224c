package relay

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// MessageKind is the discriminator of a client message.
type MessageKind string

const (
	KindResize    MessageKind = "resize"
	KindMouseMove MessageKind = "mousemove"
	KindMouseDown MessageKind = "mousedown"
	KindMouseUp   MessageKind = "mouseup"
	KindClick     MessageKind = "click"
	KindDblClick  MessageKind = "dblclick"
	KindScroll    MessageKind = "scroll"
	KindKeyDown   MessageKind = "keydown"
	KindKeyUp     MessageKind = "keyup"
	KindKeyPress  MessageKind = "keypress"
	KindInput     MessageKind = "input"
	KindTouch     MessageKind = "touch"
	KindNavigate  MessageKind = "navigate"
	KindBack      MessageKind = "back"
	KindForward   MessageKind = "forward"
	KindRefresh   MessageKind = "refresh"
)

// ClientMessage is one decoded inbound message. The set of implementations
// is closed: every payload decodes to exactly one of the types below.
type ClientMessage interface {
	Kind() MessageKind
}

// ResizeMessage reports the client's display size.
type ResizeMessage struct {
	Width  int
	Height int
}

// PointerMessage covers mousemove, mousedown, mouseup, click and dblclick.
type PointerMessage struct {
	Type   MessageKind
	X, Y   float64
	Button browser.MouseButton
}

// ScrollMessage is a wheel event at a position.
type ScrollMessage struct {
	X, Y           float64
	DeltaX, DeltaY float64
}

// KeyMessage covers keydown, keyup and keypress.
type KeyMessage struct {
	Type MessageKind
	Key  string
	Code string
}

// InputMessage inserts a run of text.
type InputMessage struct {
	Text string
}

// TouchAction is the gesture carried by a touch message.
type TouchAction string

const (
	TouchTap  TouchAction = "tap"
	TouchMove TouchAction = "move"
)

// TouchMessage is a single-finger touch gesture.
type TouchMessage struct {
	Action TouchAction
	X, Y   float64
}

// NavigateMessage loads a URL.
type NavigateMessage struct {
	URL string
}

// HistoryMessage is back, forward or refresh.
type HistoryMessage struct {
	Type MessageKind
}

// UnknownMessage is a well-formed message of a kind this relay ignores.
type UnknownMessage struct {
	Type string
}

// MalformedMessage is a payload that failed to decode or validate.
type MalformedMessage struct {
	Reason string
	Size   int
}

func (ResizeMessage) Kind() MessageKind { return KindResize }
func (m PointerMessage) Kind() MessageKind { return m.Type }
func (ScrollMessage) Kind() MessageKind { return KindScroll }
func (m KeyMessage) Kind() MessageKind { return m.Type }
func (InputMessage) Kind() MessageKind { return KindInput }
func (TouchMessage) Kind() MessageKind { return KindTouch }
func (NavigateMessage) Kind() MessageKind { return KindNavigate }
func (m HistoryMessage) Kind() MessageKind { return m.Type }
func (m UnknownMessage) Kind() MessageKind { return MessageKind(m.Type) }
func (MalformedMessage) Kind() MessageKind { return "" }

type wirePoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type wireMessage struct {
	Type    string      `json:"type"`
	X       *float64    `json:"x"`
	Y       *float64    `json:"y"`
	Width   *float64    `json:"width"`
	Height  *float64    `json:"height"`
	Button  string      `json:"button"`
	DeltaX  *float64    `json:"deltaX"`
	DeltaY  *float64    `json:"deltaY"`
	Key     *string     `json:"key"`
	Code    string      `json:"code"`
	Text    *string     `json:"text"`
	URL     string      `json:"url"`
	Action  string      `json:"action"`
	Touches []wirePoint `json:"touches"`
}

// DecodeClientMessage decodes one inbound payload. It never fails: invalid
// input yields a MalformedMessage.
func DecodeClientMessage(data []byte) ClientMessage {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return malformed(data, "invalid json: %v", err)
	}
	kind := MessageKind(w.Type)
	switch kind {
	case "":
		return malformed(data, "missing type")
	case KindResize:
		width, okW := dimension(w.Width)
		height, okH := dimension(w.Height)
		if !okW || !okH {
			return malformed(data, "resize requires positive width and height")
		}
		return ResizeMessage{Width: width, Height: height}
	case KindMouseMove, KindMouseDown, KindMouseUp, KindClick, KindDblClick:
		x, y, ok := position(w.X, w.Y)
		if !ok {
			return malformed(data, "%s requires numeric x and y", kind)
		}
		button, ok := parseButton(w.Button)
		if !ok {
			return malformed(data, "unknown button %q", w.Button)
		}
		return PointerMessage{Type: kind, X: x, Y: y, Button: button}
	case KindScroll:
		x, y, ok := position(w.X, w.Y)
		if !ok {
			return malformed(data, "scroll requires numeric x and y")
		}
		return ScrollMessage{X: x, Y: y, DeltaX: finiteOrZero(w.DeltaX), DeltaY: finiteOrZero(w.DeltaY)}
	case KindKeyDown, KindKeyUp, KindKeyPress:
		if w.Key == nil || *w.Key == "" {
			return malformed(data, "%s requires key", kind)
		}
		return KeyMessage{Type: kind, Key: *w.Key, Code: w.Code}
	case KindInput:
		if w.Text == nil {
			return malformed(data, "input requires text")
		}
		return InputMessage{Text: *w.Text}
	case KindTouch:
		action := TouchAction(w.Action)
		if action != TouchTap && action != TouchMove {
			return malformed(data, "unknown touch action %q", w.Action)
		}
		if len(w.Touches) == 0 {
			return malformed(data, "touch requires at least one point")
		}
		x, y, ok := position(w.Touches[0].X, w.Touches[0].Y)
		if !ok {
			return malformed(data, "touch point requires numeric x and y")
		}
		return TouchMessage{Action: action, X: x, Y: y}
	case KindNavigate:
		if strings.TrimSpace(w.URL) == "" {
			return malformed(data, "navigate requires url")
		}
		return NavigateMessage{URL: strings.TrimSpace(w.URL)}
	case KindBack, KindForward, KindRefresh:
		return HistoryMessage{Type: kind}
	default:
		return UnknownMessage{Type: w.Type}
	}
}

func malformed(data []byte, format string, args ...any) MalformedMessage {
	return MalformedMessage{Reason: fmt.Sprintf(format, args...), Size: len(data)}
}

func position(x, y *float64) (float64, float64, bool) {
	if x == nil || y == nil || !finite(*x) || !finite(*y) {
		return 0, 0, false
	}
	return *x, *y, true
}

func dimension(v *float64) (int, bool) {
	if v == nil || !finite(*v) {
		return 0, false
	}
	n := int(math.Round(*v))
	return n, n > 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOrZero(v *float64) float64 {
	if v == nil || !finite(*v) {
		return 0
	}
	return *v
}

func parseButton(raw string) (browser.MouseButton, bool) {
	switch browser.MouseButton(raw) {
	case "", browser.MouseButtonLeft:
		return browser.MouseButtonLeft, true
	case browser.MouseButtonRight:
		return browser.MouseButtonRight, true
	case browser.MouseButtonMiddle:
		return browser.MouseButtonMiddle, true
	}
	return "", false
}

// Server message types.
const (
	ServerFrame = "frame"
	ServerError = "error"
)

// ServerMessage is an outbound message.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func marshalError(message string) []byte {
	payload, err := json.Marshal(ServerMessage{Type: ServerError, Message: message})
	if err != nil {
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return payload
}

// ErrorMessage encodes an error message for a client. Transports use it to
// explain a refused attachment before closing.
func ErrorMessage(message string) []byte {
	return marshalError(message)
}
