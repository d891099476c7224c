package relay

import (
	"unicode"
	"unicode/utf8"
)

// keyAliases normalizes client key names to DOM key values.
var keyAliases = map[string]string{
	"Space":    " ",
	"Spacebar": " ",
	"Esc":      "Escape",
	"Left":     "ArrowLeft",
	"Right":    "ArrowRight",
	"Up":       "ArrowUp",
	"Down":     "ArrowDown",
	"Del":      "Delete",
	"Ctrl":     "Control",
	"Return":   "Enter",
}

func normalizeKey(key string) string {
	if alias, ok := keyAliases[key]; ok {
		return alias
	}
	return key
}

// printable reports whether key is a single character that should be
// inserted as text rather than pressed.
func printable(key string) bool {
	if utf8.RuneCountInString(key) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(key)
	return unicode.IsPrint(r)
}

// shortcutModifier reports whether holding key turns printable keys into
// shortcuts. Shift only changes the character, so it is not one.
func shortcutModifier(key string) bool {
	switch key {
	case "Control", "Alt", "Meta":
		return true
	}
	return false
}
