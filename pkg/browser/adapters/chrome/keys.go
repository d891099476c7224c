package chrome

import (
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// namedKeys maps DOM key names to rod key definitions.
var namedKeys = map[string]input.Key{
	"Backspace":  input.Backspace,
	"Tab":        input.Tab,
	"Enter":      input.Enter,
	"Shift":      input.ShiftLeft,
	"Control":    input.ControlLeft,
	"Alt":        input.AltLeft,
	"Meta":       input.MetaLeft,
	"Escape":     input.Escape,
	" ":          input.Space,
	"Space":      input.Space,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowUp":    input.ArrowUp,
	"ArrowRight": input.ArrowRight,
	"ArrowDown":  input.ArrowDown,
	"Insert":     input.Insert,
	"Delete":     input.Delete,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"F1":         input.F1,
	"F2":         input.F2,
	"F3":         input.F3,
	"F4":         input.F4,
	"F5":         input.F5,
	"F6":         input.F6,
	"F7":         input.F7,
	"F8":         input.F8,
	"F9":         input.F9,
	"F10":        input.F10,
	"F11":        input.F11,
	"F12":        input.F12,
}

// DevTools modifier bits.
const (
	modAlt   = 1
	modCtrl  = 2
	modMeta  = 4
	modShift = 8
)

func modifierBit(key string) int {
	switch key {
	case "Alt":
		return modAlt
	case "Control":
		return modCtrl
	case "Meta":
		return modMeta
	case "Shift":
		return modShift
	}
	return 0
}

// keyEvent builds the DevTools event for one DOM key with the modifier
// bitmask held at the time.
func keyEvent(typ proto.InputDispatchKeyEventType, key, code string, modifiers int) *proto.InputDispatchKeyEvent {
	if k, ok := namedKeys[key]; ok {
		return k.Encode(typ, modifiers)
	}
	ev := &proto.InputDispatchKeyEvent{Type: typ, Key: key, Code: code, Modifiers: modifiers}
	if r, size := utf8.DecodeRuneInString(key); size == len(key) && r < utf8.RuneSelf {
		if up := unicode.ToUpper(r); unicode.IsLetter(up) || unicode.IsDigit(up) {
			ev.WindowsVirtualKeyCode = int(up)
		}
	}
	return ev
}

// keyState tracks held modifiers across key events of one page.
type keyState struct {
	mu        sync.Mutex
	modifiers int
}

func (s *keyState) press(page *rod.Page, key, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifiers |= modifierBit(key)
	return keyEvent(proto.InputDispatchKeyEventTypeKeyDown, key, code, s.modifiers).Call(page)
}

func (s *keyState) release(page *rod.Page, key, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifiers &^= modifierBit(key)
	return keyEvent(proto.InputDispatchKeyEventTypeKeyUp, key, code, s.modifiers).Call(page)
}
