package relay

import (
	"math"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// DisplaySize is the client's last reported canvas size.
type DisplaySize struct {
	Width  float64
	Height float64
}

// known reports whether the client has reported a usable size.
func (d DisplaySize) known() bool {
	return d.Width > 0 && d.Height > 0
}

// MapPoint converts a point in the client's canvas space into viewport
// space. The result is clamped to [0,width]x[0,height]; an unknown display
// size maps one to one.
func MapPoint(x, y float64, display DisplaySize, viewport browser.Viewport) browser.Point {
	if display.known() {
		x = x * float64(viewport.Width) / display.Width
		y = y * float64(viewport.Height) / display.Height
	}
	return browser.Point{
		X: clamp(x, float64(viewport.Width)),
		Y: clamp(y, float64(viewport.Height)),
	}
}

func clamp(v, max float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > max:
		return max
	default:
		return v
	}
}
